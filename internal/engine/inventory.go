package engine

import (
	"context"
	"time"

	"gridhelm/internal/broker"
)

// SideSummary 是单边持仓的汇总视图。
type SideSummary struct {
	Count            int
	TotalLots        float64
	FloatingProfit   float64
	OldestTicket     broker.Ticket
	OldestOpenTime   time.Time
	LatestEntryPrice float64
}

// InventorySnapshot 每根 K 线从券商持仓列表整体重建，
// 绝不做增量维护，保证不会与真实持仓漂移。
type InventorySnapshot struct {
	Long  SideSummary
	Short SideSummary
}

func (s InventorySnapshot) Side(side broker.Side) SideSummary {
	if side == broker.Long {
		return s.Long
	}
	return s.Short
}

func (s InventorySnapshot) TotalCount() int {
	return s.Long.Count + s.Short.Count
}

func (s InventorySnapshot) NetLots() float64 {
	return s.Long.TotalLots - s.Short.TotalLots
}

func (s InventorySnapshot) TotalProfit() float64 {
	return s.Long.FloatingProfit + s.Short.FloatingProfit
}

// ForcedLiquidationState 记录逆势敞口是否进入强制解除模式。
type ForcedLiquidationState struct {
	Active        bool
	ReleaseStreak int
}

// InventoryParams 控制强制平仓守卫的进入与释放。
type InventoryParams struct {
	BudgetPct    float64 // 逆势浮亏占权益的触发比例
	ReleaseRatio float64 // 浮亏回落到 budget×ratio 以下视为候选释放
	ReleaseBars  int     // 需要连续多少根候选 K 线才真正释放
}

// InventoryAggregator 聚合持仓并维护 ForcedLiquidationGuard 子状态。
type InventoryAggregator struct {
	symbol string
	tag    string
	params InventoryParams

	snapshot InventorySnapshot
	forced   ForcedLiquidationState
}

func NewInventoryAggregator(symbol, tag string, params InventoryParams) *InventoryAggregator {
	return &InventoryAggregator{symbol: symbol, tag: tag, params: params}
}

// Refresh 全量扫描持仓列表重建快照，按品种与策略标签过滤。
// 扫描失败时保留上一份快照，宁可整体不更新也不做半截修改。
func (a *InventoryAggregator) Refresh(ctx context.Context, source broker.PositionSource) error {
	positions, err := source.ListOpen(ctx)
	if err != nil {
		return err
	}
	var snap InventorySnapshot
	var latest [2]time.Time
	for _, p := range positions {
		if p.Symbol != a.symbol || p.StrategyTag != a.tag {
			continue
		}
		side := &snap.Long
		idx := 0
		if p.Side == broker.Short {
			side = &snap.Short
			idx = 1
		}
		side.Count++
		side.TotalLots += p.Lots
		side.FloatingProfit += p.Profit
		if side.OldestTicket == 0 || p.OpenTime.Before(side.OldestOpenTime) {
			side.OldestTicket = p.Ticket
			side.OldestOpenTime = p.OpenTime
		}
		if side.LatestEntryPrice == 0 || !p.OpenTime.Before(latest[idx]) {
			latest[idx] = p.OpenTime
			side.LatestEntryPrice = p.OpenPrice
		}
	}
	a.snapshot = snap
	return nil
}

func (a *InventoryAggregator) Snapshot() InventorySnapshot {
	return a.snapshot
}

func (a *InventoryAggregator) Forced() ForcedLiquidationState {
	return a.forced
}

// OldestAdverseTicket 返回给定趋势方向下逆势一侧最旧的持仓。
// 没有逆势持仓或方向为 0 时返回 0 票据。
func (a *InventoryAggregator) OldestAdverseTicket(trendDir int) broker.Ticket {
	side, ok := adverseSide(trendDir)
	if !ok {
		return 0
	}
	return a.snapshot.Side(side).OldestTicket
}

// UpdateForcedLiquidation 按当前趋势方向与权益推进守卫状态机。
// 释放必须是连续 releaseBars 根候选 K 线，中断一根即清零。
func (a *InventoryAggregator) UpdateForcedLiquidation(trendDir int, equity float64) {
	if trendDir == 0 || equity <= 0 {
		a.forced = ForcedLiquidationState{}
		return
	}
	side, _ := adverseSide(trendDir)
	adverse := a.snapshot.Side(side)
	adverseLoss := 0.0
	if adverse.FloatingProfit < 0 {
		adverseLoss = -adverse.FloatingProfit
	}
	budget := equity * a.params.BudgetPct

	if !a.forced.Active {
		if adverseLoss >= budget {
			a.forced = ForcedLiquidationState{Active: true}
		}
		return
	}

	candidate := adverseLoss <= budget*a.params.ReleaseRatio || adverse.Count <= 1
	if !candidate {
		a.forced.ReleaseStreak = 0
		return
	}
	a.forced.ReleaseStreak++
	if a.forced.ReleaseStreak >= a.params.ReleaseBars {
		a.forced = ForcedLiquidationState{}
	}
}

func adverseSide(trendDir int) (broker.Side, bool) {
	switch trendDir {
	case 1:
		return broker.Short, true
	case -1:
		return broker.Long, true
	default:
		return broker.Long, false
	}
}
