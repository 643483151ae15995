package engine

import (
	"context"
	"testing"
	"time"

	"gridhelm/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker 同时充当执行器与持仓源，行为与真实经纪端一致：
// 开仓立即出现在持仓列表里，平仓立即消失。
type fakeBroker struct {
	symbol     string
	positions  []broker.Position
	nextTicket broker.Ticket
	clock      time.Time

	closedTickets []broker.Ticket
	closeAllCalls int
	failOpen      bool
}

func (b *fakeBroker) Open(_ context.Context, order broker.OpenOrder) (broker.Ticket, error) {
	if b.failOpen {
		return 0, assert.AnError
	}
	b.nextTicket++
	b.clock = b.clock.Add(time.Second)
	b.positions = append(b.positions, broker.Position{
		Ticket:      b.nextTicket,
		Symbol:      b.symbol,
		StrategyTag: order.Tag,
		Side:        order.Side,
		Lots:        order.Lots,
		OpenTime:    b.clock,
		StopLoss:    order.StopLoss,
		TakeProfit:  order.TakeProfit,
	})
	return b.nextTicket, nil
}

func (b *fakeBroker) CloseTicket(_ context.Context, ticket broker.Ticket) error {
	for i, p := range b.positions {
		if p.Ticket == ticket {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
			b.closedTickets = append(b.closedTickets, ticket)
			return nil
		}
	}
	return nil // 空平是无操作成功
}

func (b *fakeBroker) CloseAll(context.Context) error {
	b.closeAllCalls++
	b.positions = nil
	return nil
}

func (b *fakeBroker) ListOpen(context.Context) ([]broker.Position, error) {
	out := make([]broker.Position, len(b.positions))
	copy(out, b.positions)
	return out, nil
}

func (b *fakeBroker) add(side broker.Side, lots, openPrice, profit float64) broker.Ticket {
	b.nextTicket++
	b.clock = b.clock.Add(time.Second)
	b.positions = append(b.positions, broker.Position{
		Ticket:      b.nextTicket,
		Symbol:      b.symbol,
		StrategyTag: "gridhelm",
		Side:        side,
		Lots:        lots,
		OpenPrice:   openPrice,
		OpenTime:    b.clock,
		Profit:      profit,
	})
	return b.nextTicket
}

type fakeFeed struct {
	bar  broker.BarInputs
	ok   bool
	acct broker.AccountInfo
	lc   broker.LotConstraints
}

func (f *fakeFeed) Bar(context.Context) (broker.BarInputs, bool) { return f.bar, f.ok }
func (f *fakeFeed) Account(context.Context) broker.AccountInfo   { return f.acct }
func (f *fakeFeed) Lots() broker.LotConstraints                  { return f.lc }

type fakeNews struct{ blocked bool }

func (n fakeNews) Blocked(time.Time) bool { return n.blocked }

type dispatcherFixture struct {
	d    *Dispatcher
	b    *fakeBroker
	feed *fakeFeed
	news *fakeNews
}

func newFixture(mutate func(p *DispatcherParams, r *RegimeParams)) *dispatcherFixture {
	params := DispatcherParams{
		Symbol:          "EURUSD",
		Tag:             "gridhelm",
		Point:           0.00001,
		SeedEnabled:     true,
		SeedMaxBias:     1.2,
		MinReducePerBar: 1,
		AllowTrendAdds:  true,
		RiskPerTrade:    0.005,
		Steps:           StepParams{RangeMult: 0.8, TrendMult: 0.9, MinPoints: 120, MaxPoints: 900, Point: 0.00001},
		Ladder:          LotLadder{0.01, 0.01, 0.02, 0.03, 0.05},
		Basket:          BasketParams{HardTargetUSD: 25, DynamicK: 0.4},
	}
	regimeParams := RegimeParams{
		BiasOn: 1.6, BiasOff: 0.9,
		SlopeZMin: 0.12, SlopeZFlat: 0.05,
		MinRangeHoldBars: 0, MinTrendHoldBars: 0,
	}
	if mutate != nil {
		mutate(&params, &regimeParams)
	}

	b := &fakeBroker{symbol: "EURUSD", clock: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}
	feed := &fakeFeed{
		ok:   true,
		acct: broker.AccountInfo{Equity: 10000, MarginLevelPct: 1000},
		lc:   broker.LotConstraints{Step: 0.01, Min: 0.01, Max: 50, PerPointValue: 0.1},
	}
	news := &fakeNews{}

	inventory := NewInventoryAggregator(params.Symbol, params.Tag, InventoryParams{
		BudgetPct: 0.04, ReleaseRatio: 0.5, ReleaseBars: 3,
	})
	risk := NewRiskGuard(RiskParams{
		SoftDDPct: 0.08, HardDDPct: 0.20,
		DailyLossPct: 0.05, WeeklyLossPct: 0.10,
		SoftCooldownHours: 4, HardCooldownHours: 24,
		MinMarginLevelPct: 200, MaxSpreadPoints: 30,
		RiskPerTradePct: params.RiskPerTrade,
	}, feed.acct.Equity)

	d := NewDispatcher(params, NewRegimeClassifier(regimeParams), inventory,
		NewDeRiskAnchor(), risk, b, b, feed, news)
	return &dispatcherFixture{d: d, b: b, feed: feed, news: news}
}

// rangingBar 构造一根偏离很小、均线走平的 K 线（震荡输入）。
func rangingBar(at time.Time, close float64) broker.BarInputs {
	return broker.BarInputs{
		BarTime: at,
		Close:   close,
		MA:      close + 0.0005,
		MAPrev:  close + 0.0005,
		ATR:     0.01,
		Quote:   broker.Quote{Bid: close, Ask: close + 0.0001, SpreadPoints: 10},
	}
}

// trendingBar 构造一根满足上行趋势进入条件的 K 线。
func trendingBar(at time.Time, close float64) broker.BarInputs {
	return broker.BarInputs{
		BarTime: at,
		Close:   close,
		MA:      close - 0.02,
		MAPrev:  close - 0.022,
		ATR:     0.01,
		Quote:   broker.Quote{Bid: close, Ask: close + 0.0001, SpreadPoints: 10},
	}
}

func TestDispatcher_SeedHedge(t *testing.T) {
	f := newFixture(nil)
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f.feed.bar = rangingBar(t0, 1.10000)

	res, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSeedHedge, res.State)
	assert.Equal(t, ActionAdd, res.Action)
	assert.Len(t, res.Opened, 2, "种子是一对多空")
	require.Len(t, f.b.positions, 2)
	assert.NotEqual(t, f.b.positions[0].Side, f.b.positions[1].Side)
	assert.Zero(t, f.b.positions[0].StopLoss, "种子仓不挂止损")

	t.Run("News Block Suppresses Seed", func(t *testing.T) {
		f2 := newFixture(nil)
		f2.news.blocked = true
		f2.feed.bar = rangingBar(t0, 1.10000)
		res, err := f2.d.OnBar(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateIdle, res.State)
		assert.Equal(t, ActionNone, res.Action)
		assert.Empty(t, f2.b.positions)
	})

	t.Run("Wide Spread Suppresses Seed", func(t *testing.T) {
		f3 := newFixture(nil)
		bar := rangingBar(t0, 1.10000)
		bar.Quote.SpreadPoints = 45
		f3.feed.bar = bar
		res, err := f3.d.OnBar(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ActionNone, res.Action)
	})
}

func TestDispatcher_HardStopFlattenPreempts(t *testing.T) {
	f := newFixture(nil)
	f.b.add(broker.Long, 0.05, 1.10000, 100)
	f.b.add(broker.Short, 0.05, 1.10000, -40)
	// 篮子浮盈其实已达固定止盈，但硬停必须抢占一切
	f.feed.acct = broker.AccountInfo{Equity: 7900, MarginLevelPct: 1000}

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f.feed.bar = rangingBar(t0, 1.10000)
	res, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFlatten, res.State)
	assert.Equal(t, ActionFlatten, res.Action)
	assert.Equal(t, 1, f.b.closeAllCalls)
	assert.Empty(t, f.b.positions)

	t.Run("Cooldown Bars After Hard Stop", func(t *testing.T) {
		f.feed.acct = broker.AccountInfo{Equity: 7900, MarginLevelPct: 1000}
		f.feed.bar = rangingBar(t0.Add(time.Hour), 1.10000)
		res, err := f.d.OnBar(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateCooldown, res.State)
		assert.Equal(t, ActionNone, res.Action, "冷却期内不产生任何动作")

		// 24 小时硬冷却过后恢复评估
		f.feed.acct = broker.AccountInfo{Equity: 9900, MarginLevelPct: 1000}
		f.feed.bar = rangingBar(t0.Add(25*time.Hour), 1.10000)
		res, err = f.d.OnBar(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, StateCooldown, res.State)
	})
}

func TestDispatcher_DuplicateBarIsNoop(t *testing.T) {
	f := newFixture(nil)
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f.feed.bar = rangingBar(t0, 1.10000)

	res1, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.False(t, res1.Skipped)

	res2, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.True(t, res2.Skipped, "同一时间戳的重复 tick 是无操作")
	assert.Len(t, f.b.positions, 2, "不会重复播种")
}

func TestDispatcher_IndicatorNotReady(t *testing.T) {
	f := newFixture(nil)
	f.feed.ok = false
	f.feed.bar = rangingBar(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), 1.10000)

	res, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.b.positions, "指标未就绪整根跳过")
}

func TestDispatcher_RangeGridAddOnRetrace(t *testing.T) {
	f := newFixture(nil)
	f.b.add(broker.Long, 0.01, 1.10800, -5)
	f.b.add(broker.Short, 0.01, 1.12000, 1)

	// atr 0.01 → 1000pt，range 步距 clamp(800,120,900)=800pt=0.0080
	// 最近多头入场 1.10800，收盘 1.10000：回撤恰好一个步距，精确触发
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f.feed.bar = rangingBar(t0, 1.10000)
	res, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRangeGrid, res.State)
	assert.Equal(t, ActionAdd, res.Action)
	require.Len(t, res.Opened, 1)

	var opened broker.Position
	for _, p := range f.b.positions {
		if p.Ticket == res.Opened[0] {
			opened = p
		}
	}
	assert.Equal(t, broker.Long, opened.Side)
	// min(风险手数 0.31, 阶梯第 2 档 0.01) = 0.01；止损在两个步距外
	assert.InDelta(t, 0.01, opened.Lots, 1e-9)
	assert.InDelta(t, 1.10010-0.01600, opened.StopLoss, 1e-9)

	t.Run("One Point Short Of Step", func(t *testing.T) {
		f2 := newFixture(nil)
		f2.b.add(broker.Long, 0.01, 1.10799, -5)
		f2.feed.bar = rangingBar(t0, 1.10000)
		res, err := f2.d.OnBar(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ActionNone, res.Action, "差一个 point 不触发")
	})
}

func TestDispatcher_RangeGridBasketExit(t *testing.T) {
	f := newFixture(nil)
	f.b.add(broker.Long, 0.01, 1.10000, 20)
	f.b.add(broker.Short, 0.01, 1.11000, 6)

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f.feed.bar = rangingBar(t0, 1.10000)
	res, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionExit, res.Action, "浮盈 26 ≥ 固定目标 25")
	assert.Equal(t, 1, f.b.closeAllCalls)
	assert.Empty(t, f.b.positions)
}

func TestDispatcher_TrendDeRisk(t *testing.T) {
	f := newFixture(nil)
	shortTicket := f.b.add(broker.Short, 0.02, 1.09000, -150)
	f.b.add(broker.Long, 0.02, 1.09000, 180)

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	// 第一根：进入上行趋势，锚点落在收盘价，位移 0 不触发步距
	f.feed.bar = trendingBar(t0, 1.10000)
	res, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTrendDeRisk, res.State)
	assert.Equal(t, ActionNone, res.Action, "步距未触发且无锁时不减仓")
	assert.Equal(t, 1, res.Regime.TrendDir)
	assert.True(t, f.d.anchor.State().Present)
	assert.InDelta(t, 1.10000, f.d.anchor.State().AnchorPrice, 1e-12)

	// 第二根：atr 0.01 → trend 步距 clamp(900,120,900)=900pt=0.0090
	// 收盘 1.10900 恰好一个步距：平掉最旧逆势空头、顺势加一笔、锚点推进
	f.feed.bar = trendingBar(t0.Add(time.Hour), 1.10900)
	res, err = f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTrendDeRisk, res.State)
	assert.Equal(t, ActionDeRisk, res.Action)
	assert.Equal(t, []broker.Ticket{shortTicket}, res.Closed, "先平逆势侧最旧持仓")
	require.Len(t, res.Opened, 1)
	assert.Equal(t, 1.10900, f.d.anchor.State().AnchorPrice, "锚点精确推进一个步距")

	t.Run("Trend Exit Clears Anchor", func(t *testing.T) {
		f.feed.bar = rangingBar(t0.Add(2*time.Hour), 1.10900)
		res, err := f.d.OnBar(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Regime.IsTrend)
		assert.False(t, f.d.anchor.State().Present)
	})
}

func TestDispatcher_SoftLockReducesWithoutTrend(t *testing.T) {
	f := newFixture(func(p *DispatcherParams, _ *RegimeParams) {
		p.MinReducePerBar = 2
	})
	losing := f.b.add(broker.Long, 0.03, 1.12000, -300)
	losing2 := f.b.add(broker.Long, 0.02, 1.11500, -100)
	f.b.add(broker.Short, 0.01, 1.10000, 10)

	// 日口径回撤 5% 触发软锁；无趋势方向时亏损更大的一侧视为逆势侧
	f.feed.acct = broker.AccountInfo{Equity: 9500, MarginLevelPct: 1000}
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f.feed.bar = rangingBar(t0, 1.10000)

	res, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTrendDeRisk, res.State)
	assert.True(t, res.SoftLock)
	assert.Equal(t, ActionDeRisk, res.Action)
	assert.Equal(t, []broker.Ticket{losing, losing2}, res.Closed,
		"按最小减仓数连平两笔，每次都取剩余最旧")
	assert.Empty(t, res.Opened, "软锁期间禁止加仓")

	// 软锁同时延长了冷却，下一根进入冷却状态
	f.feed.bar = rangingBar(t0.Add(time.Hour), 1.10000)
	res, err = f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCooldown, res.State)
}

func TestDispatcher_OneActionPerBar(t *testing.T) {
	// 硬停、篮子止盈、网格触发同时成立时只能产出 Flatten
	f := newFixture(nil)
	f.b.add(broker.Long, 0.01, 1.10800, 30)
	f.feed.acct = broker.AccountInfo{Equity: 7000, MarginLevelPct: 1000}
	f.feed.bar = rangingBar(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), 1.10000)

	res, err := f.d.OnBar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionFlatten, res.Action)
	assert.Empty(t, res.Opened)
	assert.Equal(t, 0, len(f.b.positions))
}
