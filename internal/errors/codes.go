package errors

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 市场撮合与结算相关的错误码。
const (
	CodeNoListingsAvailable Code = "NO_LISTINGS_AVAILABLE"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodePaymentFailed       Code = "PAYMENT_FAILED"
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeInvalidStrategy     Code = "INVALID_STRATEGY"
	CodeRecordFailure       Code = "RECORD_FAILURE"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodePaymentPending      Code = "PAYMENT_PENDING"
)

var defaultAttributes = map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

	CodeNoListingsAvailable: {Message: "no listings available", Severity: SeverityInfo},
	CodeInsufficientFunds:   {Message: "insufficient funds", Severity: SeverityInfo},
	// 支付未完成时资金未移动，调用方可以用同一 reference 重试。
	CodePaymentFailed: {Message: "payment failed", Severity: SeverityWarning, Retryable: true},
	// 已付款的调用失败是终态，重试会重复扣费。
	CodeExecutionFailed: {Message: "execution failed", Severity: SeverityWarning, Alert: true},
	CodeInvalidStrategy: {Message: "invalid strategy", Severity: SeverityInfo},
	CodeRecordFailure:   {Message: "settlement record not persisted", Severity: SeverityCritical, Alert: true},
	// 付款前被熔断拒绝，未扣费，可以稍后重试。
	CodeProviderUnavailable: {Message: "provider unavailable", Severity: SeverityInfo, Retryable: true},
	// 付款结果未知，预留金额保持冻结，直到按 reference 查明结果。
	CodePaymentPending: {Message: "payment outcome pending", Severity: SeverityWarning, Retryable: true, Alert: true},
}

// 常用的哨兵错误，可配合 errors.Is 按错误码比较。
var (
	ErrNotFound            = New(CodeNotFound, "")
	ErrConflict            = New(CodeConflict, "")
	ErrNoListingsAvailable = New(CodeNoListingsAvailable, "")
	ErrInsufficientFunds   = New(CodeInsufficientFunds, "")
	ErrPaymentFailed       = New(CodePaymentFailed, "")
	ErrExecutionFailed     = New(CodeExecutionFailed, "")
	ErrInvalidStrategy     = New(CodeInvalidStrategy, "")
	ErrProviderUnavailable = New(CodeProviderUnavailable, "")
	ErrPaymentPending      = New(CodePaymentPending, "")
)
