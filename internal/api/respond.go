package api

import (
	"encoding/json"
	"net/http"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/task"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

// fail 按错误码选择 HTTP 状态。
func fail(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeError(w, statusFor(code), string(code), err.Error())
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeNotFound, xerrors.CodeNoListingsAvailable, task.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case xerrors.CodePaymentFailed, xerrors.CodeExecutionFailed:
		return http.StatusBadGateway
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidStrategy, task.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeConflict, task.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout, xerrors.CodePaymentPending:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure, xerrors.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败: "+err.Error())
		return false
	}
	return true
}
