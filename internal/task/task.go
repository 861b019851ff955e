package task

import (
	"encoding/json"
	"math/big"

	"NUMA-Market/internal/agent"
	xerrors "NUMA-Market/internal/errors"
)

// Status 表示购买任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job 描述排队执行的购买任务。任务 ID 同时作为付款 reference。
type Job struct {
	ID         string                `json:"id"`
	AgentID    string                `json:"agent_id"`
	Category   string                `json:"category,omitempty"`
	Budget     *big.Int              `json:"budget,omitempty"`
	Strategy   string                `json:"strategy,omitempty"`
	Payload    json.RawMessage       `json:"payload,omitempty"`
	Status     Status                `json:"status"`
	Attempts   int                   `json:"attempts"`
	MaxRetries int                   `json:"max_retries"`
	LastError  string                `json:"last_error,omitempty"`
	ErrorCode  string                `json:"error_code,omitempty"`
	Result     *agent.PurchaseResult `json:"result,omitempty"`
	CreatedAt  int64                 `json:"created_at"`
	UpdatedAt  int64                 `json:"updated_at"`
}

// Request 还原任务对应的购买请求。
func (j *Job) Request() agent.PurchaseRequest {
	return agent.PurchaseRequest{
		AgentID:   j.AgentID,
		Category:  j.Category,
		Budget:    cloneInt(j.Budget),
		Strategy:  j.Strategy,
		Payload:   cloneBytes(j.Payload),
		Reference: j.ID,
	}
}

// Failure 描述一次失败的执行。Result 非空表示结算已经发生。
type Failure struct {
	Code     xerrors.Code
	Message  string
	Terminal bool
	Result   *agent.PurchaseResult
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经结束。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(job *Job) *Job {
	clone := *job
	clone.Budget = cloneInt(job.Budget)
	clone.Payload = cloneBytes(job.Payload)
	clone.Result = cloneResult(job.Result)
	return &clone
}

func cloneResult(result *agent.PurchaseResult) *agent.PurchaseResult {
	if result == nil {
		return nil
	}
	clone := *result
	clone.Price = cloneInt(result.Price)
	clone.Balance = cloneInt(result.Balance)
	clone.Data = cloneBytes(result.Data)
	return &clone
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneBytes[T ~[]byte](b T) T {
	if b == nil {
		return nil
	}
	return append(T(nil), b...)
}
