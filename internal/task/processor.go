package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"NUMA-Market/internal/agent"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/observability/alerting"
	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/pkg/logger"
)

// Executor 定义了处理器所需的购买能力。
type Executor interface {
	Execute(ctx context.Context, req agent.PurchaseRequest) (*agent.PurchaseResult, error)
}

// Processor 负责从队列消费任务并交给 Orchestrator 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	audit       *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithProcessorAuditLogger 指定审计日志输出。
func WithProcessorAuditLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.audit = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
		audit:       logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, xerrors.Wrap(CodeJobProcessing, err, "领取任务失败"), "claim")
		return err
	}
	metrics.ObserveJob(string(StatusRunning))

	result, execErr := p.executor.Execute(ctx, job.Request())
	// 执行结束后的状态回写不受消费者退出影响
	wctx := context.WithoutCancel(ctx)
	if execErr != nil {
		return p.handleFailure(wctx, job, result, execErr)
	}

	if err := p.store.MarkSucceeded(wctx, job.ID, *result); err != nil {
		// 结算已经完成，重新执行会重复扣费，只告警不重投。
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(wctx, job, xerrors.Wrap(CodeJobProcessing, err, "购买已完成但任务状态未更新"), "mark_succeeded")
		return nil
	}
	metrics.ObserveJob(string(StatusSucceeded))
	p.audit.Info("购买任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("agent_id", job.AgentID),
		slog.String("settlement_id", result.SettlementID),
		slog.String("provider_id", result.ProviderID),
		slog.String("price", result.Price.String()),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, result *agent.PurchaseResult, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
		execErr = xerrors.Wrap(CodeJobProcessing, execErr, "购买执行失败")
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || job.Attempts >= job.MaxRetries

	failure := Failure{Code: code, Message: execErr.Error(), Terminal: terminal, Result: result}
	if err := p.store.MarkFailed(ctx, job.ID, failure); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	p.audit.Warn("购买任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("agent_id", job.AgentID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	switch {
	case terminal && retryable:
		metrics.ObserveJob("exhausted")
		p.emitAlert(ctx, job, xerrors.Wrap(CodeJobExhausted, execErr, "购买任务重试次数耗尽"), "terminal")
	case terminal:
		metrics.ObserveJob(string(StatusFailed))
		if code == CodeJobProcessing {
			p.emitAlert(ctx, job, execErr, "terminal")
		}
	default:
		metrics.ObserveJob("retry")
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	event := alerting.NewEvent("job/"+job.ID, cause)
	event.AgentID = job.AgentID
	event.Attempts = job.Attempts
	event.MaxRetries = job.MaxRetries
	event.Metadata = map[string]string{"stage": stage}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
