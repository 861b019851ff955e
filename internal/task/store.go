package task

import (
	"context"

	"NUMA-Market/internal/agent"
)

// Store 抽象了购买任务状态的持久化接口。
//
// Claim 只领取 pending 状态的任务；非终态失败会把任务放回 pending，
// 终态失败与成功的任务不会再次执行。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result agent.PurchaseResult) error
	MarkFailed(ctx context.Context, id string, failure Failure) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}
