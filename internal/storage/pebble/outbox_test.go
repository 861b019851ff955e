package pebble

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/settlement"
)

func record(id, agent string, ts int64) settlement.Record {
	return settlement.Record{
		SettlementID: id,
		AgentID:      agent,
		ProviderID:   "weather-co",
		APIID:        "forecast",
		Price:        big.NewInt(500000),
		Timestamp:    ts,
		Success:      true,
	}
}

func pendingKeys(t *testing.T, o *Outbox, limit int) []string {
	t.Helper()
	var keys []string
	require.NoError(t, o.ScanPending(context.Background(), limit, func(e Entry) error {
		keys = append(keys, e.Key)
		return nil
	}))
	return keys
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	o, err := Open(t.TempDir())
	require.NoError(t, err)
	defer o.Close()

	first, second := record("s-1", "agent-1", 2000), record("s-2", "agent-2", 1000)
	require.NoError(t, o.Append(ctx, first))
	require.NoError(t, o.Append(ctx, second))
	assert.True(t, xerrors.IsCode(o.Append(ctx, first), xerrors.CodeConflict))
	assert.Equal(t, 2, o.Pending())

	// oldest first
	assert.Equal(t, []string{Key(second), Key(first)}, pendingKeys(t, o, 0))
	assert.Equal(t, []string{Key(second)}, pendingKeys(t, o, 1))

	sent, err := o.MarkSent(Key(second))
	require.NoError(t, err)
	assert.Equal(t, StateSent, sent.State)
	assert.Equal(t, uint32(1), sent.Retries)
	assert.Equal(t, 2, o.Pending(), "sent entries stay pending until acked")

	_, err = o.MarkAcked(Key(second))
	require.NoError(t, err)
	_, err = o.MarkFailed(Key(first))
	require.NoError(t, err)
	assert.Empty(t, pendingKeys(t, o, 0))
	assert.Equal(t, 0, o.Pending())

	got, err := o.Get(Key(second))
	require.NoError(t, err)
	assert.Equal(t, StateAcked, got.State)
	assert.Equal(t, 0, got.Record.Price.Cmp(big.NewInt(500000)))

	_, err = o.MarkAcked("record/missing")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
}

func TestOutboxListNewestFirst(t *testing.T) {
	ctx := context.Background()
	o, err := Open(t.TempDir())
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Append(ctx, record("s-1", "agent-1", 1000)))
	require.NoError(t, o.Append(ctx, record("s-2", "agent-2", 2000)))
	require.NoError(t, o.Append(ctx, record("s-3", "agent-1", 3000)))

	all, err := o.List(ctx, settlement.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s-3", all[0].SettlementID)

	mine, err := o.List(ctx, settlement.Filter{AgentID: "agent-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "s-3", mine[0].SettlementID)
}

func TestOutboxReopenRestoresPendingCount(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	o, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, o.Append(ctx, record("s-1", "agent-1", 1000)))
	require.NoError(t, o.Append(ctx, record("s-2", "agent-1", 2000)))
	_, err = o.MarkAcked(Key(record("s-1", "agent-1", 1000)))
	require.NoError(t, err)
	require.NoError(t, o.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Pending())
}
