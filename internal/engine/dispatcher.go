package engine

import (
	"context"
	"time"

	"gridhelm/internal/broker"
	"gridhelm/internal/logger"
)

// EngineState 是每根 K 线的顶层分类，只用于上报，不跨线持久化。
type EngineState int

const (
	StateIdle EngineState = iota
	StateSeedHedge
	StateRangeGrid
	StateTrendDeRisk
	StateFlatten
	StateCooldown
)

func (s EngineState) String() string {
	switch s {
	case StateSeedHedge:
		return "seed_hedge"
	case StateRangeGrid:
		return "range_grid"
	case StateTrendDeRisk:
		return "trend_derisk"
	case StateFlatten:
		return "flatten"
	case StateCooldown:
		return "cooldown"
	default:
		return "idle"
	}
}

// ActionGroup 是调度器每根 K 线的唯一输出动作组。
// 严格优先级 Flatten > DeRisk > Exit > Add，一根 K 线至多一组。
type ActionGroup int

const (
	ActionNone ActionGroup = iota
	ActionFlatten
	ActionDeRisk
	ActionExit
	ActionAdd
)

func (a ActionGroup) String() string {
	switch a {
	case ActionFlatten:
		return "flatten"
	case ActionDeRisk:
		return "derisk"
	case ActionExit:
		return "exit"
	case ActionAdd:
		return "add"
	default:
		return "none"
	}
}

// DispatcherParams 是调度层自身的参数；各组件阈值由组件各自持有。
type DispatcherParams struct {
	Symbol          string
	Tag             string
	Point           float64
	SeedEnabled     bool
	SeedMaxBias     float64
	MinReducePerBar int
	AllowTrendAdds  bool
	RiskPerTrade    float64
	Steps           StepParams
	Ladder          LotLadder
	Basket          BasketParams
}

// BarResult 记录一根 K 线评估后的全部可观测输出，供回测与落库使用。
type BarResult struct {
	BarTime   time.Time
	Skipped   bool
	State     EngineState
	Action    ActionGroup
	Regime    RegimeState
	SoftLock  bool
	ForcedLiq bool
	Equity    float64
	Closed    []broker.Ticket
	Opened    []broker.Ticket
}

// Dispatcher 每根已收盘 K 线同步跑一次，串联分类器、聚合器、
// 锚点与风控，按固定优先级裁决出至多一个动作组。
// 单线程模型：所有组件状态只在本次评估内变更。
type Dispatcher struct {
	params DispatcherParams

	regime    *RegimeClassifier
	inventory *InventoryAggregator
	anchor    *DeRiskAnchor
	risk      *RiskGuard

	executor  broker.Executor
	positions broker.PositionSource
	feed      broker.MarketFeed
	news      broker.NewsFilter

	lastBarTime time.Time
	prevTrend   bool
}

func NewDispatcher(
	params DispatcherParams,
	regime *RegimeClassifier,
	inventory *InventoryAggregator,
	anchor *DeRiskAnchor,
	risk *RiskGuard,
	executor broker.Executor,
	positions broker.PositionSource,
	feed broker.MarketFeed,
	news broker.NewsFilter,
) *Dispatcher {
	return &Dispatcher{
		params:    params,
		regime:    regime,
		inventory: inventory,
		anchor:    anchor,
		risk:      risk,
		executor:  executor,
		positions: positions,
		feed:      feed,
		news:      news,
	}
}

// OnBar 评估一根新收盘的 K 线。同一 bar 时间戳的重复 tick 是无操作；
// 指标未就绪时整根跳过且不触碰任何下游状态。
func (d *Dispatcher) OnBar(ctx context.Context) (BarResult, error) {
	in, ok := d.feed.Bar(ctx)
	if !in.BarTime.IsZero() && in.BarTime.Equal(d.lastBarTime) {
		return BarResult{BarTime: in.BarTime, Skipped: true}, nil
	}
	if !in.BarTime.IsZero() {
		d.lastBarTime = in.BarTime
	}
	res := BarResult{BarTime: in.BarTime, Skipped: true}
	if !ok {
		logger.Debugf("指标未就绪，跳过本根 K 线: %s", in.BarTime)
		return res, nil
	}

	acct := d.feed.Account(ctx)
	d.risk.UpdateAccount(acct, in.Quote.SpreadPoints)
	d.risk.OnNewBar(in.BarTime)
	if !d.regime.Update(in) {
		logger.Debugf("分类器输入非法，跳过本根 K 线: %s", in.BarTime)
		return res, nil
	}
	if err := d.inventory.Refresh(ctx, d.positions); err != nil {
		logger.Warnf("持仓快照刷新失败: %v", err)
		return res, err
	}

	regime := d.regime.State()
	if regime.IsTrend && !d.prevTrend {
		d.anchor.OnTrendEnter(in.Close, regime.TrendDir)
		logger.Infof("进入趋势 dir=%d anchor=%.5f bias=%.2f", regime.TrendDir, in.Close, regime.Bias)
	} else if !regime.IsTrend && d.prevTrend {
		d.anchor.OnTrendExit()
		logger.Infof("退出趋势 bias=%.2f slopeZ=%.3f", regime.Bias, regime.SlopeZ)
	}
	d.prevTrend = regime.IsTrend

	res = BarResult{BarTime: in.BarTime, Regime: regime, Equity: acct.Equity}

	// 硬停：本根只做一次全平请求，失败不重试，下一根条件仍在会再触发。
	if d.risk.HardStopTriggered() {
		res.State = StateFlatten
		res.Action = ActionFlatten
		if d.inventory.Snapshot().TotalCount() > 0 {
			if err := d.executor.CloseAll(ctx); err != nil {
				logger.Warnf("硬停全平失败，下一根重试: %v", err)
			}
		}
		d.risk.SetHardCooldown(in.BarTime, d.risk.Params().HardCooldownHours)
		logger.Warnf("硬停触发 equity=%.2f margin=%.1f%%", acct.Equity, acct.MarginLevelPct)
		return res, nil
	}
	if d.risk.IsInCooldown(in.BarTime) {
		res.State = StateCooldown
		return res, nil
	}

	softLock := d.risk.SoftLockActive()
	if softLock {
		d.risk.SetSoftCooldown(in.BarTime, d.risk.Params().SoftCooldownHours)
	}
	d.inventory.UpdateForcedLiquidation(regime.TrendDir, acct.Equity)
	forcedLiq := d.inventory.Forced().Active
	res.SoftLock = softLock
	res.ForcedLiq = forcedLiq

	snap := d.inventory.Snapshot()
	if snap.TotalCount() == 0 {
		res.State = StateIdle
		d.trySeed(ctx, &res, in, regime, softLock)
		return res, nil
	}

	if regime.IsTrend || softLock || forcedLiq {
		res.State = StateTrendDeRisk
		d.runDeRisk(ctx, &res, in, regime, softLock, forcedLiq)
		return res, nil
	}
	res.State = StateRangeGrid
	d.runRangeGrid(ctx, &res, in, snap)
	return res, nil
}

// trySeed 空仓时尝试开一对小手数多空对冲仓。
// 只在非趋势、偏离不大、点差可接受、无新闻封锁且无软锁时进行。
func (d *Dispatcher) trySeed(ctx context.Context, res *BarResult, in broker.BarInputs, regime RegimeState, softLock bool) {
	if !d.params.SeedEnabled || regime.IsTrend || softLock {
		return
	}
	if regime.Bias > d.params.SeedMaxBias || !d.risk.IsSpreadOk() || d.news.Blocked(in.BarTime) {
		return
	}
	lots := d.params.Ladder.Lots(0)
	if lots <= 0 {
		return
	}
	opened := 0
	for _, side := range []broker.Side{broker.Long, broker.Short} {
		ticket, err := d.executor.Open(ctx, broker.OpenOrder{
			Side: side,
			Lots: lots,
			Tag:  d.params.Tag,
		})
		if err != nil {
			logger.Warnf("对冲种子开仓失败 side=%s: %v", side, err)
			continue
		}
		res.Opened = append(res.Opened, ticket)
		opened++
	}
	if opened > 0 {
		res.State = StateSeedHedge
		res.Action = ActionAdd
		logger.Infof("建立对冲种子 lots=%.2f bias=%.2f", lots, regime.Bias)
	}
}

// runDeRisk 趋势/软锁/强制模式下按步距减掉逆势最旧仓，
// 条件许可时在顺势侧加一笔，并把锚点推进一个步距。
func (d *Dispatcher) runDeRisk(ctx context.Context, res *BarResult, in broker.BarInputs, regime RegimeState, softLock, forcedLiq bool) {
	atrPoints := in.ATR / d.params.Point
	stepPoints := d.params.Steps.TrendStepPoints(atrPoints)
	stepPrice := pointsToPrice(stepPoints, d.params.Point)
	stepFired := d.anchor.StepTriggered(in.Close, stepPrice)

	dir := regime.TrendDir
	if dir == 0 {
		dir = d.fallbackAdverseDir()
	}

	closed := 0
	for (softLock || forcedLiq || stepFired) && closed < d.params.MinReducePerBar {
		ticket := d.inventory.OldestAdverseTicket(dir)
		if ticket == 0 {
			break
		}
		if err := d.executor.CloseTicket(ctx, ticket); err != nil {
			logger.Warnf("减仓平仓失败 ticket=%d: %v", ticket, err)
			break
		}
		res.Closed = append(res.Closed, ticket)
		closed++
		if err := d.inventory.Refresh(ctx, d.positions); err != nil {
			logger.Warnf("减仓后快照刷新失败: %v", err)
			break
		}
	}

	added := false
	if !softLock && !forcedLiq && d.params.AllowTrendAdds && stepFired && regime.TrendDir != 0 &&
		d.risk.IsSpreadOk() && !d.news.Blocked(in.BarTime) {
		added = d.openGridUnit(ctx, res, in, sideForDir(regime.TrendDir), 2*stepPoints)
	}

	if closed > 0 || added {
		res.Action = ActionDeRisk
		if stepFired {
			d.anchor.AdvanceAnchor(stepPrice)
			logger.Infof("锚点推进 step=%.1fpt anchor=%.5f", stepPoints, d.anchor.State().AnchorPrice)
		}
	}
}

// runRangeGrid 震荡模式：先看篮子止盈，再看两侧网格加仓。
func (d *Dispatcher) runRangeGrid(ctx context.Context, res *BarResult, in broker.BarInputs, snap InventorySnapshot) {
	atrPoints := in.ATR / d.params.Point
	if d.params.Basket.TargetReached(snap.TotalProfit(), atrPoints, snap.NetLots()) {
		if err := d.executor.CloseAll(ctx); err != nil {
			logger.Warnf("篮子止盈全平失败，下一根重试: %v", err)
			return
		}
		res.Action = ActionExit
		logger.Infof("篮子止盈 profit=%.2f target=%.2f", snap.TotalProfit(),
			d.params.Basket.DynamicTarget(atrPoints, snap.NetLots()))
		return
	}
	if res.SoftLock || res.ForcedLiq || !d.risk.IsSpreadOk() || d.news.Blocked(in.BarTime) {
		return
	}

	stepPoints := d.params.Steps.RangeStepPoints(atrPoints)
	stepPrice := pointsToPrice(stepPoints, d.params.Point)
	if snap.Long.Count > 0 && decimalGTE(priceDiff(snap.Long.LatestEntryPrice, in.Close), stepPrice) {
		if d.openGridUnit(ctx, res, in, broker.Long, 2*stepPoints) {
			res.Action = ActionAdd
		}
		return
	}
	if snap.Short.Count > 0 && decimalGTE(priceDiff(in.Close, snap.Short.LatestEntryPrice), stepPrice) {
		if d.openGridUnit(ctx, res, in, broker.Short, 2*stepPoints) {
			res.Action = ActionAdd
		}
	}
}

// openGridUnit 按风险与阶梯取较小手数开一笔，止损距离为两个步距。
func (d *Dispatcher) openGridUnit(ctx context.Context, res *BarResult, in broker.BarInputs, side broker.Side, stopPoints float64) bool {
	lc := d.feed.Lots()
	riskLots := d.risk.CalcLotsByRisk(stopPoints, d.params.RiskPerTrade, lc)
	ladderLots := d.params.Ladder.Lots(d.inventory.Snapshot().Side(side).Count)
	lots := riskLots
	if ladderLots < lots {
		lots = ladderLots
	}
	if lots <= 0 {
		return false
	}

	entry := in.Quote.Ask
	slDir := -1
	if side == broker.Short {
		entry = in.Quote.Bid
		slDir = 1
	}
	stop := shiftPrice(entry, slDir, pointsToPrice(stopPoints, d.params.Point))
	ticket, err := d.executor.Open(ctx, broker.OpenOrder{
		Side:     side,
		Lots:     lots,
		StopLoss: stop,
		Tag:      d.params.Tag,
	})
	if err != nil {
		logger.Warnf("加仓失败 side=%s lots=%.2f: %v", side, lots, err)
		return false
	}
	res.Opened = append(res.Opened, ticket)
	logger.Infof("加仓成交 side=%s lots=%.2f sl=%.5f", side, lots, stop)
	return true
}

// fallbackAdverseDir 在无趋势方向（仅软锁/强制触发）时选一个等效方向：
// 亏损更大的一侧视为逆势侧，持平时取手数更大的一侧。
func (d *Dispatcher) fallbackAdverseDir() int {
	snap := d.inventory.Snapshot()
	longLoss, shortLoss := -snap.Long.FloatingProfit, -snap.Short.FloatingProfit
	switch {
	case longLoss > shortLoss:
		return -1 // 多头更亏，多头为逆势侧
	case shortLoss > longLoss:
		return 1
	case snap.Long.TotalLots > snap.Short.TotalLots:
		return -1
	default:
		return 1
	}
}

func sideForDir(dir int) broker.Side {
	if dir < 0 {
		return broker.Short
	}
	return broker.Long
}
