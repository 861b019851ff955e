// Package pebble keeps settlement records in a durable pebble outbox until
// the relay has delivered them.
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	pdb "github.com/cockroachdb/pebble"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/internal/settlement"
)

// State is the delivery state of an outbox entry.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) pending() bool { return s == StateNew || s == StateSent }

// Entry is one stored record with its delivery bookkeeping.
type Entry struct {
	Key         string
	State       State
	Retries     uint32
	LastAttempt int64
	Record      settlement.Record
}

var (
	recordPrefix = []byte("record/")
	recordUpper  = []byte("record/~")
)

const headerLen = 1 + 4 + 8

// Outbox stores records under record/<timestamp>/<settlement id>.
type Outbox struct {
	db  *pdb.DB
	now func() time.Time

	// mu serialises state transitions.
	mu      sync.Mutex
	pending int
}

// Open opens or creates the outbox in dir.
func Open(dir string) (*Outbox, error) {
	db, err := pdb.Open(dir, &pdb.Options{})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open outbox")
	}
	o := &Outbox{db: db, now: time.Now}
	if err := o.countPending(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Key returns the outbox key of r.
func Key(r settlement.Record) string {
	return fmt.Sprintf("record/%020d/%s", r.Timestamp, r.SettlementID)
}

// Append stores r as a NEW entry. A record already in the outbox is a CONFLICT.
func (o *Outbox) Append(_ context.Context, r settlement.Record) error {
	key := []byte(Key(r))
	value, err := encode(Entry{State: StateNew, Record: r})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	_, closer, err := o.db.Get(key)
	switch {
	case err == nil:
		closer.Close()
		return xerrors.Newf(xerrors.CodeConflict, "record %s already in outbox", r.SettlementID)
	case !stdErrors.Is(err, pdb.ErrNotFound):
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read outbox")
	}
	if err := o.db.Set(key, value, pdb.Sync); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write outbox")
	}
	o.pending++
	metrics.SetOutboxPending(o.pending)
	return nil
}

// Get returns the entry stored under key.
func (o *Outbox) Get(key string) (Entry, error) {
	val, closer, err := o.db.Get([]byte(key))
	if err != nil {
		if stdErrors.Is(err, pdb.ErrNotFound) {
			return Entry{}, xerrors.Newf(xerrors.CodeNotFound, "outbox entry %s", key)
		}
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read outbox")
	}
	defer closer.Close()
	return decode(key, val)
}

// ScanPending calls fn for up to limit NEW or SENT entries, oldest first.
// A limit of zero scans everything.
func (o *Outbox) ScanPending(ctx context.Context, limit int, fn func(Entry) error) error {
	iter, err := o.db.NewIter(&pdb.IterOptions{LowerBound: recordPrefix, UpperBound: recordUpper})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan outbox")
	}
	defer iter.Close()

	seen := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if v := iter.Value(); len(v) == 0 || !State(v[0]).pending() {
			continue
		}
		entry, err := decode(string(iter.Key()), iter.Value())
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			break
		}
	}
	return iter.Error()
}

// List returns records newest first, so the outbox can also serve settlement
// history reads.
func (o *Outbox) List(ctx context.Context, filter settlement.Filter) ([]settlement.Record, error) {
	iter, err := o.db.NewIter(&pdb.IterOptions{LowerBound: recordPrefix, UpperBound: recordUpper})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan outbox")
	}
	defer iter.Close()

	out := make([]settlement.Record, 0)
	for iter.Last(); iter.Valid(); iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := decode(string(iter.Key()), iter.Value())
		if err != nil {
			return nil, err
		}
		r := entry.Record
		if (filter.AgentID != "" && r.AgentID != filter.AgentID) ||
			(filter.ProviderID != "" && r.ProviderID != filter.ProviderID) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, iter.Error()
}

// MarkSent records a delivery attempt and returns the updated entry.
func (o *Outbox) MarkSent(key string) (Entry, error) {
	return o.transition(key, StateSent, true)
}

// MarkAcked records a confirmed delivery.
func (o *Outbox) MarkAcked(key string) (Entry, error) {
	return o.transition(key, StateAcked, false)
}

// MarkFailed parks an entry that will not be retried.
func (o *Outbox) MarkFailed(key string) (Entry, error) {
	return o.transition(key, StateFailed, false)
}

// Pending returns the number of NEW and SENT entries.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

func (o *Outbox) transition(key string, state State, attempt bool) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, err := o.Get(key)
	if err != nil {
		return Entry{}, err
	}
	wasPending := entry.State.pending()
	entry.State = state
	if attempt {
		entry.Retries++
		entry.LastAttempt = o.now().UnixMilli()
	}
	value, err := encode(entry)
	if err != nil {
		return Entry{}, err
	}
	if err := o.db.Set([]byte(key), value, pdb.Sync); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "write outbox")
	}
	if wasPending && !state.pending() {
		o.pending--
		metrics.SetOutboxPending(o.pending)
	}
	return entry, nil
}

func (o *Outbox) countPending() error {
	iter, err := o.db.NewIter(&pdb.IterOptions{LowerBound: recordPrefix, UpperBound: recordUpper})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan outbox")
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if v := iter.Value(); len(v) > 0 && State(v[0]).pending() {
			o.pending++
		}
	}
	metrics.SetOutboxPending(o.pending)
	return iter.Error()
}

// value layout: [state:1][retries:4][lastAttempt:8][record json]
func encode(e Entry) ([]byte, error) {
	body, err := json.Marshal(e.Record)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode record")
	}
	buf := make([]byte, headerLen, headerLen+len(body))
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(e.LastAttempt))
	return append(buf, body...), nil
}

func decode(key string, b []byte) (Entry, error) {
	if len(b) < headerLen {
		return Entry{}, xerrors.Newf(xerrors.CodeStorageFailure, "outbox entry %s is truncated", key)
	}
	e := Entry{
		Key:         key,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}
	if err := json.Unmarshal(b[headerLen:], &e.Record); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode outbox entry "+key)
	}
	return e, nil
}

var (
	_ settlement.RecordLog    = (*Outbox)(nil)
	_ settlement.RecordReader = (*Outbox)(nil)
)
