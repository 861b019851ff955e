package reputation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/pkg/logger"
)

type brokenStore struct{ MemoryStore }

func (b *brokenStore) PutScore(context.Context, Score) error { return errors.New("unavailable") }

func TestEMARuleStaysBoundedAndFollowsOutcome(t *testing.T) {
	rule := EMARule{Alpha: 0.1}
	rng := rand.New(rand.NewSource(7))
	score := 50.0
	for i := 0; i < 10_000; i++ {
		success := rng.Intn(2) == 0
		next := rule.Next(score, success)
		require.GreaterOrEqual(t, next, MinScore)
		require.LessOrEqual(t, next, MaxScore)
		if success {
			require.GreaterOrEqual(t, next, score, "success must never lower the score")
		} else {
			require.LessOrEqual(t, next, score, "failure must never raise the score")
		}
		score = next
	}

	assert.Equal(t, MaxScore, rule.Next(MaxScore, true), "ceiling holds")
	assert.Equal(t, MinScore, rule.Next(MinScore, false), "floor holds")
	assert.InDelta(t, 91.0, rule.Next(90, true), 1e-9)
	assert.InDelta(t, 81.0, rule.Next(90, false), 1e-9)
	assert.InDelta(t, 91.0, EMARule{Alpha: 7}.Next(90, true), 1e-9, "invalid alpha falls back to the default")
}

func TestLedgerSeedAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLedger(WithStore(store), WithLogger(logger.Discard()))

	created, err := l.Seed(ctx, "p1", 90)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = l.Seed(ctx, "p1", 10)
	require.NoError(t, err)
	assert.False(t, created, "seed must not overwrite a known provider")

	s, err := l.Update(ctx, "p1", true)
	require.NoError(t, err)
	assert.InDelta(t, 91.0, s.Score, 1e-9)
	assert.Equal(t, uint64(1), s.Successes)

	score, ok := l.ScoreOf("p1")
	require.True(t, ok)
	assert.InDelta(t, 91.0, score, 1e-9)

	_, ok = l.ScoreOf("unknown")
	assert.False(t, ok)

	fresh, err := l.Update(ctx, "p2", false)
	require.NoError(t, err)
	assert.InDelta(t, 45.0, fresh.Score, 1e-9, "unknown providers start from the initial score")

	restored := NewLedger(WithStore(store))
	require.NoError(t, restored.Load(ctx))
	assert.Len(t, restored.Scores(), 2)
	got, _ := restored.Get("p1")
	assert.Equal(t, uint64(1), got.Successes)

	_, err = l.Update(ctx, " ", true)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument))
}

func TestLedgerPersistFailureStillUpdatesMemory(t *testing.T) {
	l := NewLedger(WithStore(&brokenStore{}), WithLogger(logger.Discard()))
	s, err := l.Update(context.Background(), "p", true)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeStorageFailure))
	score, _ := l.ScoreOf("p")
	assert.Equal(t, s.Score, score)
}

func TestLedgerConcurrentUpdatesAreAtomicPerProvider(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(WithLogger(logger.Discard()))
	const workers, perWorker = 16, 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, _ = l.Update(ctx, "shared", (w+i)%2 == 0)
				_, _ = l.Update(ctx, "solo", true)
				_, _ = l.ScoreOf("shared")
			}
		}(w)
	}
	wg.Wait()

	shared, _ := l.Get("shared")
	assert.Equal(t, uint64(workers*perWorker), shared.Successes+shared.Failures)
	solo, _ := l.Get("solo")
	assert.Equal(t, uint64(workers*perWorker), solo.Successes)
	assert.LessOrEqual(t, solo.Score, MaxScore)
}

func TestDecaySweep(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(WithLogger(logger.Discard()))
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, _ = l.Seed(ctx, "idle", 80)
	_, _ = l.Seed(ctx, "low", 5)
	now = now.Add(8 * 24 * time.Hour)
	_, _ = l.Seed(ctx, "active", 80)

	d := NewDecayScheduler(l, DecayConfig{Interval: time.Minute, InactivityThreshold: 7 * 24 * time.Hour, Rate: 0.5, Floor: 50})
	assert.Equal(t, 1, d.Sweep(ctx))

	idle, _ := l.ScoreOf("idle")
	assert.Equal(t, 50.0, idle, "decay stops at the floor")
	low, _ := l.ScoreOf("low")
	assert.Equal(t, 5.0, low, "scores under the floor are never raised")
	active, _ := l.ScoreOf("active")
	assert.Equal(t, 80.0, active)

	assert.Equal(t, 0, d.Sweep(ctx))
}

func TestDecayRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDecayScheduler(NewLedger(WithLogger(logger.Discard())), DecayConfig{Interval: time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("decay scheduler did not stop")
	}
}

type switchStore struct {
	*MemoryStore
	down bool
}

func (s *switchStore) PutScore(ctx context.Context, score Score) error {
	if s.down {
		return errors.New("unavailable")
	}
	return s.MemoryStore.PutScore(ctx, score)
}

func TestLedgerSeedRollsBackWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	store := &switchStore{MemoryStore: NewMemoryStore(), down: true}
	l := NewLedger(WithStore(store), WithLogger(logger.Discard()))

	created, err := l.Seed(ctx, "p", 70)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeStorageFailure))
	assert.False(t, created)
	_, known := l.ScoreOf("p")
	assert.False(t, known, "an unpersisted seed is not kept")

	store.down = false
	created, err = l.Seed(ctx, "p", 70)
	require.NoError(t, err)
	assert.True(t, created)
	scores, err := store.ListScores(ctx)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 70.0, scores[0].Score)
}
