package store

import (
	"context"
	"path/filepath"
	"testing"

	storemodel "gridhelm/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "gridhelm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := RunModel{
		ID:            "run-1",
		Mode:          "backtest",
		Symbol:        "EURUSD",
		Timeframe:     "1h",
		StartTS:       1000,
		EndTS:         2000,
		InitialEquity: 10000,
	}
	require.NoError(t, s.InsertRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storemodel.RunStatusPending, got.Status)

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", storemodel.RunStatusRunning, "推进中"))
	require.NoError(t, s.FinishRun(ctx, "run-1", storemodel.RunStatusDone, 10500,
		map[string]any{"trades": 12, "win_rate": 0.58}))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storemodel.RunStatusDone, got.Status)
	assert.InDelta(t, 10500, got.FinalEquity, 1e-9)
	assert.Contains(t, string(got.StatsJSON), "win_rate")

	t.Run("Missing Run", func(t *testing.T) {
		_, err := s.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.ErrorIs(t, s.UpdateRunStatus(ctx, "nope", storemodel.RunStatusDone, ""), ErrRunNotFound)
	})

	t.Run("List Order", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-1", runs[0].ID)
	})
}

func TestStore_ActionsAndEquityCurve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertRun(ctx, RunModel{ID: "run-2", Mode: "backtest", Symbol: "EURUSD"}))

	actions := []BarActionModel{
		{RunID: "run-2", BarTS: 3000, State: "range_grid", Action: "add", Equity: 10010},
		{RunID: "run-2", BarTS: 1000, State: "idle", Action: "add", Equity: 10000},
		{RunID: "run-2", BarTS: 2000, State: "trend_derisk", Action: "derisk", Equity: 9990, SoftLock: true},
	}
	require.NoError(t, s.AppendActions(ctx, actions))
	require.NoError(t, s.AppendActions(ctx, nil), "空批次是无操作")

	got, err := s.ListActions(ctx, "run-2", 100, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1000), got[0].BarTS, "按 bar 时间升序")
	assert.True(t, got[1].SoftLock)

	curve, err := s.EquityCurve(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, curve, 3)
	assert.InDelta(t, 10000, curve[0].Equity, 1e-9)
	assert.InDelta(t, 10010, curve[2].Equity, 1e-9)
}
