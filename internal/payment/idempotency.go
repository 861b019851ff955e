package payment

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/pkg/logger"
)

// DefaultIdempotencyTTL is how long completed references are remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

// MarkState is the state of a reference in an idempotency store.
type MarkState int

const (
	// MarkNew means the caller now owns the reference and must Complete or Fail it.
	MarkNew MarkState = iota
	// MarkInFlight means another attempt with the same reference is running.
	MarkInFlight
	// MarkDone means the reference completed and its receipt is cached.
	MarkDone
)

// IdempotencyStore tracks references across attempts.
type IdempotencyStore interface {
	// CheckAndMark atomically returns the cached receipt or marks the reference in flight.
	CheckAndMark(ctx context.Context, reference string, ttl time.Duration) (MarkState, Receipt, error)
	// WaitForResult blocks until an in-flight reference settles. ok is false
	// when that attempt failed and the reference is free again.
	WaitForResult(ctx context.Context, reference string) (receipt Receipt, ok bool, err error)
	// Complete caches a successful receipt.
	Complete(ctx context.Context, reference string, receipt Receipt, ttl time.Duration) error
	// Fail clears the in-flight marker so the reference can be retried.
	Fail(ctx context.Context, reference string) error
}

// Idempotent wraps a Payment so each reference moves funds at most once.
type Idempotent struct {
	base   Payment
	store  IdempotencyStore
	ttl    time.Duration
	logger *slog.Logger
}

// IdempotencyOption configures WithIdempotency.
type IdempotencyOption func(*Idempotent)

// WithTTL sets how long completed references are cached.
func WithTTL(ttl time.Duration) IdempotencyOption {
	return func(i *Idempotent) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithStore replaces the in-memory store, e.g. with a RedisStore shared by
// several daemons.
func WithStore(store IdempotencyStore) IdempotencyOption {
	return func(i *Idempotent) {
		if store != nil {
			i.store = store
		}
	}
}

// WithIdempotency wraps base. Only successful receipts are cached; declines
// and errors free the reference for a retry.
func WithIdempotency(base Payment, opts ...IdempotencyOption) *Idempotent {
	i := &Idempotent{
		base:   base,
		store:  NewMemoryIdempotencyStore(),
		ttl:    DefaultIdempotencyTTL,
		logger: logger.Named("payment.idempotency"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

func (i *Idempotent) AuthorizeAndTransfer(ctx context.Context, req Request) (Receipt, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "payment reference is required")
	}
	for {
		state, cached, err := i.store.CheckAndMark(ctx, req.Reference, i.ttl)
		if err != nil {
			return Receipt{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "check payment reference")
		}
		switch state {
		case MarkDone:
			i.logger.Debug("payment answered from cache", slog.String("reference", req.Reference))
			return cached, nil
		case MarkInFlight:
			receipt, ok, err := i.store.WaitForResult(ctx, req.Reference)
			if err != nil {
				return Receipt{}, xerrors.Wrap(xerrors.CodeTimeout, err, "wait for in-flight payment")
			}
			if ok {
				return receipt, nil
			}
			continue
		}
		return i.attempt(ctx, req)
	}
}

func (i *Idempotent) attempt(ctx context.Context, req Request) (Receipt, error) {
	receipt, err := i.base.AuthorizeAndTransfer(ctx, req)
	// markers must be cleared even when the caller has gone away
	storeCtx := context.WithoutCancel(ctx)
	if err != nil || !receipt.Success {
		if ferr := i.store.Fail(storeCtx, req.Reference); ferr != nil {
			i.logger.Warn("clear payment marker failed", slog.String("reference", req.Reference), slog.Any("error", ferr))
		}
		return receipt, err
	}
	if cerr := i.store.Complete(storeCtx, req.Reference, receipt, i.ttl); cerr != nil {
		i.logger.Warn("cache payment receipt failed", slog.String("reference", req.Reference), slog.Any("error", cerr))
	}
	return receipt, nil
}

// Status consults the wrapped payment when it supports Lookup.
func (i *Idempotent) Status(ctx context.Context, reference string) (Receipt, bool, error) {
	if lookup, ok := i.base.(Lookup); ok {
		return lookup.Status(ctx, reference)
	}
	return Receipt{}, false, nil
}

var (
	_ Payment = (*Idempotent)(nil)
	_ Lookup  = (*Idempotent)(nil)
)

type mark struct {
	done      chan struct{}
	completed bool
	receipt   Receipt
	expires   time.Time
}

// MemoryIdempotencyStore keeps references in process memory.
type MemoryIdempotencyStore struct {
	mu    sync.Mutex
	marks map[string]*mark
	now   func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{marks: make(map[string]*mark), now: time.Now}
}

func (s *MemoryIdempotencyStore) CheckAndMark(_ context.Context, reference string, ttl time.Duration) (MarkState, Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.marks[reference]; ok {
		if m.completed && s.now().After(m.expires) {
			delete(s.marks, reference)
		} else if m.completed {
			return MarkDone, m.receipt, nil
		} else {
			return MarkInFlight, Receipt{}, nil
		}
	}
	s.marks[reference] = &mark{done: make(chan struct{}), expires: s.now().Add(ttl)}
	return MarkNew, Receipt{}, nil
}

func (s *MemoryIdempotencyStore) WaitForResult(ctx context.Context, reference string) (Receipt, bool, error) {
	s.mu.Lock()
	m, ok := s.marks[reference]
	s.mu.Unlock()
	if !ok {
		return Receipt{}, false, nil
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return Receipt{}, false, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.receipt, m.completed, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, reference string, receipt Receipt, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.marks[reference]
	if !ok {
		m = &mark{done: make(chan struct{})}
		s.marks[reference] = m
	} else if m.completed {
		return nil
	}
	m.completed = true
	m.receipt = receipt
	m.expires = s.now().Add(ttl)
	close(m.done)
	return nil
}

func (s *MemoryIdempotencyStore) Fail(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.marks[reference]
	if !ok || m.completed {
		return nil
	}
	delete(s.marks, reference)
	close(m.done)
	return nil
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
