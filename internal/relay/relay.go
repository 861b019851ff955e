// Package relay forwards settlement records from the durable outbox to Kafka.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/observability/alerting"
	"NUMA-Market/internal/storage/pebble"
	"NUMA-Market/pkg/logger"
)

// Defaults for the relay loop.
const (
	DefaultInterval    = time.Second
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 10
)

// Publisher delivers one encoded record.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// Source is the outbox the relay drains.
type Source interface {
	ScanPending(ctx context.Context, limit int, fn func(pebble.Entry) error) error
	MarkSent(key string) (pebble.Entry, error)
	MarkAcked(key string) (pebble.Entry, error)
	MarkFailed(key string) (pebble.Entry, error)
}

// Broadcaster replays pending outbox entries on a ticker. An entry is marked
// SENT before publishing and ACKED only after the broker confirms it.
type Broadcaster struct {
	source      Source
	publisher   Publisher
	interval    time.Duration
	batchSize   int
	maxAttempts uint32
	alerts      alerting.Dispatcher
	logger      *slog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

func WithInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithMaxAttempts sets after how many failed deliveries an entry is parked as FAILED.
func WithMaxAttempts(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.maxAttempts = uint32(n)
		}
	}
}

func WithAlerts(d alerting.Dispatcher) Option {
	return func(b *Broadcaster) { b.alerts = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Broadcaster.
func New(source Source, publisher Publisher, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		source:      source,
		publisher:   publisher,
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.Named("relay"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start runs the relay loop until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.logger.Info("relay started", slog.Duration("interval", b.interval), slog.Int("batch", b.batchSize))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error("relay pass failed", slog.Any("error", err))
			}
		}
	}
}

// RelayOnce publishes one batch of pending entries and returns how many were acknowledged.
func (b *Broadcaster) RelayOnce(ctx context.Context) (int, error) {
	delivered := 0
	err := b.source.ScanPending(ctx, b.batchSize, func(entry pebble.Entry) error {
		if b.deliver(ctx, entry) {
			delivered++
		}
		return nil
	})
	return delivered, err
}

func (b *Broadcaster) deliver(ctx context.Context, entry pebble.Entry) bool {
	log := b.logger.With(slog.String("key", entry.Key), slog.String("settlement_id", entry.Record.SettlementID))

	sent, err := b.source.MarkSent(entry.Key)
	if err != nil {
		log.Error("mark sent failed", slog.Any("error", err))
		return false
	}
	value, err := json.Marshal(entry.Record)
	if err != nil {
		log.Error("encode record failed", slog.Any("error", err))
		return false
	}

	if err := b.publisher.Publish(ctx, []byte(entry.Record.SettlementID), value); err != nil {
		if sent.Retries < b.maxAttempts {
			log.Warn("publish failed, will retry", slog.Any("error", err), slog.Uint64("attempts", uint64(sent.Retries)))
			return false
		}
		if _, markErr := b.source.MarkFailed(entry.Key); markErr != nil {
			log.Error("mark failed failed", slog.Any("error", markErr))
		}
		log.Error("record parked after repeated publish failures", slog.Any("error", err))
		b.alert(ctx, entry, sent.Retries, err)
		return false
	}

	if _, err := b.source.MarkAcked(entry.Key); err != nil {
		log.Error("mark acked failed", slog.Any("error", err))
		return false
	}
	return true
}

func (b *Broadcaster) alert(ctx context.Context, entry pebble.Entry, attempts uint32, cause error) {
	if b.alerts == nil {
		return
	}
	event := alerting.NewEvent("settlement/"+entry.Record.SettlementID,
		xerrors.Wrap(xerrors.CodeQueueFailure, cause, "settlement record not relayed"))
	event.AgentID = entry.Record.AgentID
	event.ProviderID = entry.Record.ProviderID
	event.Attempts = int(attempts)
	event.MaxRetries = int(b.maxAttempts)
	if err := b.alerts.Notify(ctx, event); err != nil {
		b.logger.Error("alert dispatch failed", slog.Any("error", err))
	}
}
