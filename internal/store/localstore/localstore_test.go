package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalsd/internal/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signalsd-test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadLatest_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.Save(ctx, "whale_agent", []byte(`{"agent":"whale_agent","status":"success"}`), now.Add(-time.Minute)))
	require.NoError(t, s.Save(ctx, "whale_agent", []byte(`{"agent":"whale_agent","status":"partial"}`), now))

	row, err := s.LoadLatest(ctx, "whale_agent")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.JSONEq(t, `{"agent":"whale_agent","status":"partial"}`, string(row.Envelope))

	count, err := s.CountRows(ctx, "whale_agent")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestLoadHistory_PaginatesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		envelope := []byte(`{"n":` + string(rune('0'+i)) + `}`)
		require.NoError(t, s.Save(ctx, "market_agent", envelope, ts))
	}

	page, err := s.LoadHistory(ctx, "market_agent", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.JSONEq(t, `{"n":4}`, string(page[0].Envelope))
	assert.JSONEq(t, `{"n":3}`, string(page[1].Envelope))

	page, err = s.LoadHistory(ctx, "market_agent", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.JSONEq(t, `{"n":0}`, string(page[0].Envelope))
}

func TestSaveKV_LoadsMostRecentValue(t *testing.T) {
	s := openTestStore(t)
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

func TestSavePerformanceAccuracy_DuplicateWindowIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SavePerformanceSnapshot(ctx, store.PerformanceSnapshot{
		Timestamp: time.Now().UTC(), Asset: "BTC", SignalScore: 70,
		SignalDirection: "bullish", PriceAtSignal: 100,
	})
	require.NoError(t, err)

	acc := store.PerformanceAccuracy{SnapshotID: id, WindowHours: 24, PriceAtWindow: 110, DirectionCorrect: true}
	require.NoError(t, s.SavePerformanceAccuracy(ctx, acc))
	require.NoError(t, s.SavePerformanceAccuracy(ctx, acc))

	stats, err := s.LoadAccuracyStats(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total, "duplicate (snapshot, window) accuracy row must be a no-op")
}

func TestSavePerformanceAccuracy_FlipsEvaluatedFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SavePerformanceSnapshot(ctx, store.PerformanceSnapshot{
		Timestamp: time.Now().UTC(), Asset: "ETH", SignalDirection: "bearish", PriceAtSignal: 20,
	})
	require.NoError(t, err)

	unevaluated, err := s.LoadUnevaluatedSnapshots(ctx, 24, 0)
	require.NoError(t, err)
	require.Len(t, unevaluated, 1)

	require.NoError(t, s.SavePerformanceAccuracy(ctx, store.PerformanceAccuracy{SnapshotID: id, WindowHours: 24, DirectionCorrect: false}))

	unevaluated, err = s.LoadUnevaluatedSnapshots(ctx, 24, 0)
	require.NoError(t, err)
	assert.Empty(t, unevaluated)

	stillOpen, err := s.LoadUnevaluatedSnapshots(ctx, 168, 0)
	require.NoError(t, err)
	assert.Len(t, stillOpen, 1, "window 7d is independent of window 24h")
}
