package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"NUMA-Market/internal/account"
	"NUMA-Market/internal/agent"
	"NUMA-Market/internal/auth"
	"NUMA-Market/internal/catalog"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/matching"
	"NUMA-Market/internal/settlement"
	"NUMA-Market/internal/task"
)

type registerAgentRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	MinReputation  float64  `json:"min_reputation"`
	Strategy       string   `json:"strategy"`
	InitialBalance *big.Int `json:"initial_balance"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decode(w, r, &req) {
		return
	}
	state, err := s.deps.Market.RegisterAgent(r.Context(), account.Profile{
		ID:            req.ID,
		Name:          req.Name,
		MinReputation: req.MinReputation,
		Strategy:      req.Strategy,
	}, req.InitialBalance)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ag, err := s.deps.Agents.Get(mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ag.State())
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount *big.Int `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if !ownsAgent(w, r, id) {
		return
	}
	balance, err := s.deps.Agents.Credit(r.Context(), id, req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "balance": balance})
}

func (s *Server) handleRegisterListing(w http.ResponseWriter, r *http.Request) {
	var listing catalog.Listing
	if !decode(w, r, &listing) {
		return
	}
	stored, err := s.deps.Market.RegisterListing(r.Context(), listing)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleDeactivateListing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Listings.Deactivate(r.Context(), vars["provider"], vars["api"]); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListListings 无过滤条件时返回带版本号的完整目录快照，
// 否则只返回满足条件的在售服务。
func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := strings.TrimSpace(q.Get("category"))
	maxPrice, err := parseAmount(q.Get("max_price"))
	if err != nil {
		fail(w, err)
		return
	}
	minReputation := 0.0
	if raw := q.Get("min_reputation"); raw != "" {
		if minReputation, err = strconv.ParseFloat(raw, 64); err != nil {
			writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "min_reputation 不是数字")
			return
		}
	}

	if category == "" && maxPrice == nil && minReputation == 0 {
		version, listings := s.deps.Listings.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{"version": version, "listings": listings, "count": len(listings)})
		return
	}
	listings := s.deps.Listings.Query(category, maxPrice, minReputation)
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID().String() < listings[j].ID().String() })
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings, "count": len(listings)})
}

type matchRequest struct {
	matching.Request
	AgentID string   `json:"agent_id,omitempty"`
	Budget  *big.Int `json:"budget,omitempty"`
}

// handleMatch 带 agent_id 时按智能体约束返回排序后的候选列表，
// 否则直接按请求参数选出一个服务。
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID != "" {
		if !ownsAgent(w, r, req.AgentID) {
			return
		}
		candidates, strategy, err := s.deps.Market.Discover(r.Context(), req.AgentID, req.Category, req.Budget)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"strategy": strategy, "candidates": candidates})
		return
	}
	match, err := s.deps.Matcher.Select(r.Context(), req.Request)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

type purchaseRequest struct {
	AgentID   string          `json:"agent_id"`
	Category  string          `json:"category"`
	Budget    *big.Int        `json:"budget,omitempty"`
	Strategy  string          `json:"strategy,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

func (p purchaseRequest) toAgent() agent.PurchaseRequest {
	return agent.PurchaseRequest{
		AgentID:   p.AgentID,
		Category:  p.Category,
		Budget:    p.Budget,
		Strategy:  p.Strategy,
		Payload:   p.Payload,
		Reference: p.Reference,
	}
}

// handlePurchase 同步执行一次购买。已经扣费的失败调用仍返回结算结果。
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decode(w, r, &req) || !ownsAgent(w, r, req.AgentID) {
		return
	}
	result, err := s.deps.Market.Execute(r.Context(), req.toAgent())
	if err != nil {
		if result == nil {
			fail(w, err)
			return
		}
		code := xerrors.CodeOf(err)
		writeJSON(w, statusFor(code), map[string]any{"code": code, "error": err.Error(), "result": result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "任务服务未启用")
		return
	}
	var req purchaseRequest
	if !decode(w, r, &req) || !ownsAgent(w, r, req.AgentID) {
		return
	}
	job, err := s.deps.Jobs.Submit(r.Context(), req.toAgent())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "任务服务未启用")
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "任务服务未启用")
		return
	}
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "未知的任务状态: "+part)
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if agentID := q.Get("agent_id"); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if limit, ok := intParam(q.Get("limit")); ok {
		opts = append(opts, task.WithLimit(limit))
	}
	if offset, ok := intParam(q.Get("offset")); ok {
		opts = append(opts, task.WithOffset(offset))
	}

	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "结算记录不可查询")
		return
	}
	q := r.URL.Query()
	filter := settlement.Filter{AgentID: q.Get("agent_id"), ProviderID: q.Get("provider_id")}
	if limit, ok := intParam(q.Get("limit")); ok {
		filter.Limit = limit
	}
	records, err := s.deps.Records.List(r.Context(), filter)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": records, "count": len(records)})
}

func (s *Server) handleProviderAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.deps.Listings.ProviderAnalytics(mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if !decode(w, r, &req) {
		return
	}
	token, err := s.deps.Auth.IssueToken(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, token)
	case errors.Is(err, auth.ErrDisabled):
		writeError(w, http.StatusNotFound, string(xerrors.CodeNotFound), "认证未启用")
	case errors.Is(err, auth.ErrUnsupportedGrant):
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
	default:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	}
}

// ownsAgent 绑定了智能体的客户端只能代表该智能体操作。
func ownsAgent(w http.ResponseWriter, r *http.Request, agentID string) bool {
	subject := auth.SubjectFromContext(r.Context())
	if subject == nil || subject.AgentID == "" || subject.AgentID == agentID {
		return true
	}
	writeError(w, http.StatusForbidden, "FORBIDDEN", "客户端无权代表智能体 "+agentID+" 操作")
	return false
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "金额 %q 不合法", raw)
	}
	return v, nil
}

func intParam(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
