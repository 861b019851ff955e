package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/observability/alerting"
	"NUMA-Market/internal/settlement"
	"NUMA-Market/internal/storage/pebble"
	"NUMA-Market/pkg/logger"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	keys     []string
	values   [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, value)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type alertRecorder struct {
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, e alerting.Event) error {
	a.events = append(a.events, e)
	return nil
}

func openOutbox(t *testing.T, records ...settlement.Record) *pebble.Outbox {
	t.Helper()
	o, err := pebble.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	for _, r := range records {
		require.NoError(t, o.Append(context.Background(), r))
	}
	return o
}

func rec(id string, ts int64) settlement.Record {
	return settlement.Record{
		SettlementID: id,
		AgentID:      "agent-1",
		ProviderID:   "weather-co",
		APIID:        "forecast",
		Price:        big.NewInt(42),
		Timestamp:    ts,
		Success:      true,
	}
}

func TestRelayOnceDeliversInOrder(t *testing.T) {
	outbox := openOutbox(t, rec("s-2", 2000), rec("s-1", 1000))
	pub := &fakePublisher{}
	b := New(outbox, pub, WithLogger(logger.Discard()))

	n, err := b.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"s-1", "s-2"}, pub.keys)
	assert.Equal(t, 0, outbox.Pending())

	var decoded settlement.Record
	require.NoError(t, json.Unmarshal(pub.values[0], &decoded))
	assert.Equal(t, "weather-co", decoded.ProviderID)
	assert.Equal(t, int64(42), decoded.Price.Int64())

	n, err = b.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "acked entries are not replayed")
}

func TestRelayRetriesThenParks(t *testing.T) {
	outbox := openOutbox(t, rec("s-1", 1000))
	pub := &fakePublisher{failures: 5}
	alerts := &alertRecorder{}
	b := New(outbox, pub, WithMaxAttempts(3), WithAlerts(alerts), WithLogger(logger.Discard()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		n, err := b.RelayOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 1, outbox.Pending())
	}
	assert.Empty(t, alerts.events)

	_, err := b.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, outbox.Pending())

	entry, err := outbox.Get(pebble.Key(rec("s-1", 1000)))
	require.NoError(t, err)
	assert.Equal(t, pebble.StateFailed, entry.State)
	assert.Equal(t, uint32(3), entry.Retries)

	require.Len(t, alerts.events, 1)
	assert.Equal(t, xerrors.CodeQueueFailure, alerts.events[0].Code)
	assert.Equal(t, "settlement/s-1", alerts.events[0].Subject)
}

func TestRelayRecoversAfterTransientFailure(t *testing.T) {
	outbox := openOutbox(t, rec("s-1", 1000))
	pub := &fakePublisher{failures: 1}
	b := New(outbox, pub, WithLogger(logger.Discard()))

	n, _ := b.RelayOnce(context.Background())
	assert.Zero(t, n)
	n, _ = b.RelayOnce(context.Background())
	assert.Equal(t, 1, n)

	entry, err := outbox.Get(pebble.Key(rec("s-1", 1000)))
	require.NoError(t, err)
	assert.Equal(t, pebble.StateAcked, entry.State)
	assert.Equal(t, uint32(2), entry.Retries)
}

func TestSaramaPublisher(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"ok":true}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewSaramaPublisherWithProducer(producer, "numa.settlements")
	require.NoError(t, pub.Publish(context.Background(), []byte("s-1"), []byte(`{"ok":true}`)))

	err := pub.Publish(context.Background(), []byte("s-2"), []byte(`{}`))
	assert.True(t, xerrors.IsCode(err, xerrors.CodeQueueFailure))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, pub.Close())
}

func TestNewPublisher(t *testing.T) {
	pub, err := NewPublisher(DriverLog, nil, "numa.settlements")
	require.NoError(t, err)
	assert.NoError(t, pub.Publish(context.Background(), []byte("k"), []byte("v")))

	_, err = NewPublisher(DriverKafkaGo, nil, "t")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument))

	_, err = NewPublisher("carrier-pigeon", nil, "t")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument))
}
