package task

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"NUMA-Market/internal/agent"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/observability/alerting"
	"NUMA-Market/pkg/logger"
)

type fakeOrchestrator struct {
	processed atomic.Int32
	latency   time.Duration

	mu         sync.Mutex
	references []string
	failures   map[string][]error
}

func (f *fakeOrchestrator) Execute(ctx context.Context, req agent.PurchaseRequest) (*agent.PurchaseResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.references = append(f.references, req.Reference)
	var err error
	if queue := f.failures[req.AgentID]; len(queue) > 0 {
		err, f.failures[req.AgentID] = queue[0], queue[1:]
	}
	f.mu.Unlock()
	f.processed.Add(1)

	result := &agent.PurchaseResult{
		SettlementID: "s-" + req.Reference,
		AgentID:      req.AgentID,
		Reference:    req.Reference,
		Price:        big.NewInt(10),
		Success:      err == nil,
	}
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeExecutionFailed) || xerrors.IsCode(err, xerrors.CodePaymentFailed) {
			return result, err
		}
		return nil, err
	}
	return result, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

func newTestProcessor(exec Executor, store Store, queue Queue, opts ...ProcessorOption) *Processor {
	base := []ProcessorOption{WithProcessorLogger(logger.Discard()), WithProcessorAuditLogger(logger.Discard())}
	return NewProcessor(exec, store, queue, queue, append(base, opts...)...)
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	orchestrator := &fakeOrchestrator{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := newTestProcessor(orchestrator, store, queue, WithWorkerCount(8))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, agent.PurchaseRequest{AgentID: fmt.Sprintf("agent-%d", i)}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(orchestrator.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", orchestrator.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done

	stats, _ := store.Stats(context.Background(), ListOptions{})
	if stats.Succeeded != total {
		t.Fatalf("expected %d succeeded jobs, got %+v", total, stats)
	}
}

func TestProcessorRetriesOnlyRetryableFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingDispatcher{}
	orchestrator := &fakeOrchestrator{failures: map[string][]error{
		"flaky":    {xerrors.New(xerrors.CodePaymentFailed, "gateway busy")},
		"paid":     {xerrors.New(xerrors.CodeExecutionFailed, "provider 500")},
		"broke":    {xerrors.New(xerrors.CodeInsufficientFunds, "")},
		"hopeless": {xerrors.New(xerrors.CodeTimeout, "t1"), xerrors.New(xerrors.CodeTimeout, "t2")},
	}}
	service := NewService(store, queue, 2)
	processor := newTestProcessor(orchestrator, store, queue, WithAlertDispatcher(alerts))

	submit := func(agentID string) *Job {
		job, err := service.Submit(ctx, agent.PurchaseRequest{AgentID: agentID, Reference: "job-" + agentID})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return job
	}
	drain := func() {
		for queue.Len() > 0 {
			jobID := <-queue.ch
			if err := processor.handle(ctx, jobID); err != nil {
				t.Fatalf("handle %s: %v", jobID, err)
			}
		}
	}

	for _, id := range []string{"flaky", "paid", "broke", "hopeless"} {
		submit(id)
	}
	drain()

	flaky, _ := store.Get(ctx, "job-flaky")
	if flaky.Status != StatusSucceeded || flaky.Attempts != 2 || flaky.Result.Reference != "job-flaky" {
		t.Fatalf("payment failure should be retried with the same reference: %+v", flaky)
	}

	paid, _ := store.Get(ctx, "job-paid")
	if paid.Status != StatusFailed || paid.Attempts != 1 || paid.ErrorCode != string(xerrors.CodeExecutionFailed) {
		t.Fatalf("execution failure after payment must be terminal: %+v", paid)
	}
	if paid.Result == nil || paid.Result.SettlementID != "s-job-paid" {
		t.Fatalf("terminal failure keeps the settlement result: %+v", paid.Result)
	}

	broke, _ := store.Get(ctx, "job-broke")
	if broke.Status != StatusFailed || broke.Attempts != 1 {
		t.Fatalf("insufficient funds must be terminal: %+v", broke)
	}

	hopeless, _ := store.Get(ctx, "job-hopeless")
	if hopeless.Status != StatusFailed || hopeless.Attempts != 2 {
		t.Fatalf("retries must stop at max: %+v", hopeless)
	}
	codes := alerts.codes()
	if len(codes) != 1 || codes[0] != CodeJobExhausted {
		t.Fatalf("expected one exhaustion alert, got %v", codes)
	}

	if err := processor.handle(ctx, "job-paid"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	orchestrator.mu.Lock()
	calls := 0
	for _, ref := range orchestrator.references {
		if ref == "job-paid" {
			calls++
		}
	}
	orchestrator.mu.Unlock()
	if calls != 1 {
		t.Fatalf("a redelivered terminal job must not run again, ran %d times", calls)
	}
}

func TestServiceSubmitIsIdempotentByReference(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)

	first, err := service.Submit(ctx, agent.PurchaseRequest{AgentID: "a", Reference: "ref-1", Budget: big.NewInt(7)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, agent.PurchaseRequest{AgentID: "a", Reference: "ref-1"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != "ref-1" || second.ID != "ref-1" || queue.Len() != 1 {
		t.Fatalf("duplicate submission must not enqueue twice: %s %s %d", first.ID, second.ID, queue.Len())
	}
	if first.MaxRetries != DefaultMaxRetries || second.Budget.Int64() != 7 {
		t.Fatalf("unexpected job: %+v", second)
	}
	if req := second.Request(); req.Reference != "ref-1" || req.Budget.Int64() != 7 {
		t.Fatalf("job must replay its request with the job id as reference: %+v", req)
	}

	if _, err := service.Submit(ctx, agent.PurchaseRequest{}); !xerrors.IsCode(err, CodeJobValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	queue.Close()
	if _, err := service.Submit(ctx, agent.PurchaseRequest{AgentID: "a"}); !xerrors.IsCode(err, CodeJobPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	failed, _ := service.List(ctx, WithStatuses(StatusFailed))
	if len(failed) != 1 || failed[0].ErrorCode != string(CodeJobPublish) {
		t.Fatalf("unpublished job must be failed: %+v", failed)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(1), 1)
	job, err := service.Submit(ctx, agent.PurchaseRequest{AgentID: "a"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := service.WaitUntilCompleted(waitCtx, job.ID, 5*time.Millisecond); !xerrors.IsCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = store.MarkSucceeded(ctx, job.ID, agent.PurchaseResult{SettlementID: "s"})
	}()
	done, err := service.WaitUntilCompleted(ctx, job.ID, 5*time.Millisecond)
	if err != nil || done.Status != StatusSucceeded {
		t.Fatalf("unexpected wait result: %+v %v", done, err)
	}
}
