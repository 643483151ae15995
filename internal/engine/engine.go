// Package engine 实现离散 K 线驱动的持仓控制引擎：
// 趋势/震荡分类、对冲库存聚合、锚点减仓、多级风控与每根 K 线的动作裁决。
package engine

import (
	"gridhelm/internal/broker"
	"gridhelm/internal/config"
)

// Deps 是引擎依赖的四个外部协作者。
type Deps struct {
	Executor  broker.Executor
	Positions broker.PositionSource
	Feed      broker.MarketFeed
	News      broker.NewsFilter
}

// New 按配置装配全部组件并返回调度器。
// 风控基线以装配时刻的账户权益为会话起点。
func New(cfg *config.Config, deps Deps, startEquity float64) *Dispatcher {
	regime := NewRegimeClassifier(RegimeParams{
		BiasOn:           cfg.Regime.BiasOn,
		BiasOff:          cfg.Regime.BiasOff,
		SlopeZMin:        cfg.Regime.SlopeZMin,
		SlopeZFlat:       cfg.Regime.SlopeZFlat,
		MinRangeHoldBars: cfg.Regime.MinRangeHoldBars,
		MinTrendHoldBars: cfg.Regime.MinTrendHoldBars,
	})
	inventory := NewInventoryAggregator(cfg.Instrument.Symbol, cfg.Instrument.StrategyTag, InventoryParams{
		BudgetPct:    cfg.Inventory.BudgetPct,
		ReleaseRatio: cfg.Inventory.ReleaseRatio,
		ReleaseBars:  cfg.Inventory.ReleaseBars,
	})
	risk := NewRiskGuard(RiskParams{
		SoftDDPct:         cfg.Risk.SoftDDPct,
		HardDDPct:         cfg.Risk.HardDDPct,
		DailyLossPct:      cfg.Risk.DailyLossPct,
		WeeklyLossPct:     cfg.Risk.WeeklyLossPct,
		SoftCooldownHours: cfg.Risk.SoftCooldownHours,
		HardCooldownHours: cfg.Risk.HardCooldownHours,
		MinMarginLevelPct: cfg.Risk.MinMarginLevelPct,
		MaxSpreadPoints:   cfg.Risk.MaxSpreadPoints,
		RiskPerTradePct:   cfg.Risk.RiskPerTrade,
	}, startEquity)

	params := DispatcherParams{
		Symbol:          cfg.Instrument.Symbol,
		Tag:             cfg.Instrument.StrategyTag,
		Point:           cfg.Instrument.Point,
		SeedEnabled:     cfg.Seed.Enabled,
		SeedMaxBias:     cfg.Seed.MaxBias,
		MinReducePerBar: cfg.Inventory.MinReducePerBar,
		AllowTrendAdds:  cfg.Trend.AllowAdds,
		RiskPerTrade:    cfg.Risk.RiskPerTrade,
		Steps: StepParams{
			RangeMult: cfg.Steps.RangeMult,
			TrendMult: cfg.Steps.TrendMult,
			MinPoints: cfg.Steps.MinPoints,
			MaxPoints: cfg.Steps.MaxPoints,
			Point:     cfg.Instrument.Point,
		},
		Ladder: LotLadder(cfg.Ladder.Lots),
		Basket: BasketParams{
			HardTargetUSD: cfg.Basket.HardTargetUSD,
			DynamicK:      cfg.Basket.ATRTargetK,
		},
	}
	return NewDispatcher(params, regime, inventory, NewDeRiskAnchor(), risk,
		deps.Executor, deps.Positions, deps.Feed, deps.News)
}
