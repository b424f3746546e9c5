package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalsd/internal/store"
)

func TestSavePerformanceAccuracy_DuplicateWindowIsNoOp(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.SavePerformanceSnapshot(ctx, store.PerformanceSnapshot{
		Asset: "BTC", SignalScore: 70, SignalDirection: "bullish", PriceAtSignal: 100, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	acc := store.PerformanceAccuracy{SnapshotID: id, WindowHours: 24, PriceAtWindow: 110, DirectionCorrect: true}
	require.NoError(t, s.SavePerformanceAccuracy(ctx, acc))
	require.NoError(t, s.SavePerformanceAccuracy(ctx, acc))

	stats, err := s.LoadAccuracyStats(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total, "second call with the same (snapshot, window) must not add a row")
	assert.Equal(t, 1, stats.Hits)
}

func TestSavePerformanceAccuracy_DistinctWindowsBothRecorded(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.SavePerformanceSnapshot(ctx, store.PerformanceSnapshot{Asset: "ETH", SignalDirection: "bullish", PriceAtSignal: 50, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	require.NoError(t, s.SavePerformanceAccuracy(ctx, store.PerformanceAccuracy{SnapshotID: id, WindowHours: 24, DirectionCorrect: true}))
	require.NoError(t, s.SavePerformanceAccuracy(ctx, store.PerformanceAccuracy{SnapshotID: id, WindowHours: 48, DirectionCorrect: false}))

	stats, err := s.LoadAccuracyStats(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Hits)
}

func TestSavePerformanceAccuracy_FlipsEvaluatedFlag(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.SavePerformanceSnapshot(ctx, store.PerformanceSnapshot{Asset: "SOL", SignalDirection: "bearish", PriceAtSignal: 20, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	unevaluated, err := s.LoadUnevaluatedSnapshots(ctx, 24, 0)
	require.NoError(t, err)
	require.Len(t, unevaluated, 1)
	assert.False(t, unevaluated[0].Evaluated24h)
	assert.False(t, unevaluated[0].Evaluated48h)
	assert.False(t, unevaluated[0].Evaluated7d)

	require.NoError(t, s.SavePerformanceAccuracy(ctx, store.PerformanceAccuracy{SnapshotID: id, WindowHours: 24, DirectionCorrect: true}))

	unevaluated, err = s.LoadUnevaluatedSnapshots(ctx, 24, 0)
	require.NoError(t, err)
	assert.Empty(t, unevaluated, "window 24 must no longer be unevaluated once an accuracy row exists")

	stillOpen, err := s.LoadUnevaluatedSnapshots(ctx, 48, 0)
	require.NoError(t, err)
	assert.Len(t, stillOpen, 1, "window 48 is independent of window 24")
}

func TestLoadKV_ReturnsMostRecentValue(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.LoadKV(ctx, "fusion_scores", "BTC")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveKV(ctx, "fusion_scores", "BTC", 60.0))
	require.NoError(t, s.SaveKV(ctx, "fusion_scores", "BTC", 66.2))

	v, ok, err := s.LoadKV(ctx, "fusion_scores", "BTC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 66.2, v)
}

func TestLoadLatest_OrdersByTimestampThenID(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Save(ctx, "whale_agent", []byte(`{"v":1}`), now.Add(-time.Hour)))
	require.NoError(t, s.Save(ctx, "whale_agent", []byte(`{"v":2}`), now))

	row, err := s.LoadLatest(ctx, "whale_agent")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.JSONEq(t, `{"v":2}`, string(row.Envelope))
}

func TestLoadLatest_MissingStreamReturnsNil(t *testing.T) {
	s := New()
	row, err := s.LoadLatest(context.Background(), "market_agent")
	require.NoError(t, err)
	assert.Nil(t, row)
}

var _ store.Store = (*Store)(nil)
