package settlement

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
)

// Record is the append-only audit entry written once per settlement attempt.
// Price is the amount actually charged: zero when payment did not go through.
type Record struct {
	SettlementID string   `json:"settlement_id"`
	AgentID      string   `json:"agent_id"`
	ProviderID   string   `json:"provider_id"`
	APIID        string   `json:"api_id"`
	Price        *big.Int `json:"price"`
	Timestamp    int64    `json:"timestamp"`
	Success      bool     `json:"success"`
	ErrorCode    string   `json:"error_code,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	Reference    string   `json:"reference,omitempty"`
	TxHash       string   `json:"tx_hash,omitempty"`
	ElapsedMs    int64    `json:"elapsed_ms"`
}

// LogValue renders the record as a structured log group.
func (r Record) LogValue() slog.Value {
	return slog.GroupValue(r.attrs()...)
}

func (r Record) attrs() []slog.Attr {
	return []slog.Attr{
		slog.String("settlement_id", r.SettlementID),
		slog.String("agent_id", r.AgentID),
		slog.String("provider_id", r.ProviderID),
		slog.String("api_id", r.APIID),
		slog.String("price", priceString(r.Price)),
		slog.Int64("timestamp", r.Timestamp),
		slog.Bool("success", r.Success),
		slog.String("error_code", r.ErrorCode),
		slog.String("reference", r.Reference),
		slog.Int64("elapsed_ms", r.ElapsedMs),
	}
}

// Filter narrows a record listing. Zero values match everything.
type Filter struct {
	AgentID    string
	ProviderID string
	Limit      int
}

func (f Filter) match(r Record) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.ProviderID != "" && r.ProviderID != f.ProviderID {
		return false
	}
	return true
}

// RecordLog is where settlement records are appended.
type RecordLog interface {
	Append(ctx context.Context, record Record) error
}

// RecordReader lists records newest first.
type RecordReader interface {
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// MemoryLog keeps records in process memory.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) Append(_ context.Context, record Record) error {
	record.Price = clonePrice(record.Price)
	l.mu.Lock()
	l.records = append(l.records, record)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLog) List(_ context.Context, filter Filter) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0)
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if !filter.match(r) {
			continue
		}
		r.Price = clonePrice(r.Price)
		out = append(out, r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns how many records were appended.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func clonePrice(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func priceString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var (
	_ RecordLog    = (*MemoryLog)(nil)
	_ RecordReader = (*MemoryLog)(nil)
)
