package backtest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridhelm/internal/config"
	"gridhelm/internal/market"
	"gridhelm/internal/store"
)

func runnerConfig() *config.Config {
	return &config.Config{
		Instrument: config.InstrumentConfig{
			Symbol:       "EURUSD",
			Point:        0.00001,
			PointValue:   10,
			LotStep:      0.01,
			MinLot:       0.01,
			MaxLot:       5,
			ContractSize: 100000,
			StrategyTag:  "gridhelm",
		},
		Regime: config.RegimeConfig{
			MAPeriod:         10,
			ATRPeriod:        5,
			BiasOn:           1.2,
			BiasOff:          0.6,
			SlopeZMin:        0.25,
			SlopeZFlat:       0.1,
			MinRangeHoldBars: 2,
			MinTrendHoldBars: 2,
		},
		Steps: config.StepConfig{
			RangeMult: 1.6,
			TrendMult: 0.9,
			MinPoints: 100,
			MaxPoints: 2000,
		},
		Ladder:    config.LadderConfig{Lots: []float64{0.01, 0.01, 0.02, 0.03, 0.05}},
		Inventory: config.InventoryConfig{BudgetPct: 0.1, ReleaseRatio: 0.5, ReleaseBars: 2, MinReducePerBar: 1},
		Risk: config.RiskConfig{
			SoftDDPct:         5,
			HardDDPct:         10,
			DailyLossPct:      3,
			WeeklyLossPct:     6,
			SoftCooldownHours: 4,
			HardCooldownHours: 24,
			MinMarginLevelPct: 100,
			MaxSpreadPoints:   100,
			RiskPerTrade:      0.005,
		},
		Basket: config.BasketConfig{HardTargetUSD: 3, ATRTargetK: 0.5},
		Seed:   config.SeedConfig{Enabled: true, MaxBias: 0.6},
		Trend:  config.TrendConfig{AllowAdds: true},
		Backtest: config.BacktestConfig{
			Timeframe:     "1h",
			SpreadPoints:  2,
			FeeRate:       0,
			InitialEquity: 10000,
			Leverage:      100,
			MaxConcurrent: 1,
		},
	}
}

// 平盘行情：收盘价恒定，分类器停留在震荡态。
func flatCandles(tf Timeframe, start int64, n int) []market.Candle {
	step := tf.durationMillis()
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		open := start + int64(i)*step
		out = append(out, market.Candle{
			OpenTime:  open,
			CloseTime: open + step - 1,
			Open:      1.10,
			High:      1.1002,
			Low:       1.0998,
			Close:     1.10,
			Volume:    50,
			Trades:    5,
		})
	}
	return out
}

func TestRunnerEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := runnerConfig()
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)
	hour := tf.durationMillis()
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := start + 30*hour

	src := &sliceSource{candles: flatCandles(tf, start-20*hour, 51)}
	svc, cs := newTestService(t, src)
	results, err := store.New(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer results.Close()

	runner, err := NewRunner(cfg, cs, results, svc)
	require.NoError(t, err)

	run, err := runner.StartRun(RunRequest{Symbol: "EURUSD", Timeframe: "1h", Start: start, End: end})
	require.NoError(t, err)
	assert.Equal(t, "backtest", run.Mode)
	assert.Equal(t, store.RunStatusPending, run.Status)

	require.Eventually(t, func() bool {
		got, err := results.GetRun(ctx, run.ID)
		return err == nil && (got.Status == store.RunStatusDone || got.Status == store.RunStatusFailed)
	}, 15*time.Second, 50*time.Millisecond)

	got, err := results.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusDone, got.Status, "message=%s", got.Message)

	var stats RunStats
	require.NoError(t, json.Unmarshal(got.StatsJSON, &stats))
	assert.Equal(t, 31, stats.Bars)
	assert.Zero(t, stats.SkippedBars)
	// 平盘下仅开出对称种子对，整个区间不应有平仓。
	assert.Zero(t, stats.Trades)
	assert.Equal(t, 2, stats.OpenAtEnd)
	// 点差成本让最终权益略低于初始权益。
	assert.Less(t, stats.FinalEquity, 10000.0)
	assert.Greater(t, stats.FinalEquity, 9990.0)
	assert.Equal(t, got.FinalEquity, stats.FinalEquity)

	actions, err := results.ListActions(ctx, run.ID, 100, 0)
	require.NoError(t, err)
	require.Len(t, actions, 31)
	assert.Equal(t, "seed_hedge", actions[0].State)
	assert.Equal(t, "add", actions[0].Action)
	for _, a := range actions[1:] {
		assert.Equal(t, "none", a.Action)
	}

	curve, err := results.EquityCurve(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, curve, 31)
}

func TestRunnerRejectsBadRequest(t *testing.T) {
	cfg := runnerConfig()
	cs, err := NewCandleStore(t.TempDir())
	require.NoError(t, err)
	defer cs.Close()
	svc, _ := newTestService(t, &sliceSource{})
	results, err := store.New(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer results.Close()
	runner, err := NewRunner(cfg, cs, results, svc)
	require.NoError(t, err)

	t.Run("无效区间", func(t *testing.T) {
		_, err := runner.StartRun(RunRequest{Symbol: "EURUSD", Timeframe: "1h", Start: 0, End: 0})
		assert.Error(t, err)
	})

	t.Run("未知周期", func(t *testing.T) {
		_, err := runner.StartRun(RunRequest{Symbol: "EURUSD", Timeframe: "2h", Start: 1, End: 2})
		assert.Error(t, err)
	})
}
