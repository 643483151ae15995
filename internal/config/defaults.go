package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv      = "dev"
	defaultAppMode     = "backtest"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9971"
	defaultAppLogPath  = "/data/logs/gridhelm.log"

	defaultSymbol       = "EURUSD"
	defaultPoint        = 0.00001
	defaultPointValue   = 1.0
	defaultLotStep      = 0.01
	defaultMinLot       = 0.01
	defaultMaxLot       = 100.0
	defaultContractSize = 100000.0
	defaultStrategyTag  = "gridhelm"

	defaultMAPeriod      = 50
	defaultATRPeriod     = 14
	defaultBiasOn        = 1.6
	defaultBiasOff       = 0.9
	defaultSlopeZMin     = 0.12
	defaultSlopeZFlat    = 0.05
	defaultMinRangeHold  = 6
	defaultMinTrendHold  = 4
	defaultStepRangeMult = 0.8
	defaultStepTrendMult = 1.2
	defaultStepMinPoints = 120.0
	defaultStepMaxPoints = 900.0

	defaultBudgetPct       = 0.04
	defaultReleaseRatio    = 0.5
	defaultReleaseBars     = 3
	defaultMinReducePerBar = 1

	defaultSoftDDPct         = 0.08
	defaultHardDDPct         = 0.20
	defaultDailyLossPct      = 0.05
	defaultWeeklyLossPct     = 0.10
	defaultSoftCooldownHours = 4.0
	defaultHardCooldownHours = 24.0
	defaultMinMarginLevel    = 200.0
	defaultMaxSpreadPoints   = 30.0
	defaultRiskPerTrade      = 0.005

	defaultBasketHardUSD = 25.0
	defaultBasketATRK    = 0.4
	defaultSeedMaxBias   = 1.2

	defaultMarketName = "binance"
	defaultMarketREST = "https://fapi.binance.com"

	defaultBacktestDataRoot  = "/data/backtest/candles"
	defaultBacktestResultDB  = "/data/backtest/runs.db"
	defaultBacktestTimeframe = "1h"
	defaultBacktestFee       = 0.0
	defaultBacktestSpread    = 15.0
	defaultBacktestEquity    = 10000.0
	defaultBacktestLeverage  = 100
	defaultBacktestLookback  = 120
	defaultBacktestReports   = "/data/backtest/reports"
)

var defaultLadderLots = []float64{0.01, 0.01, 0.02, 0.03, 0.05}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Instrument.applyDefaults(keys)
	c.Regime.applyDefaults(keys)
	c.Steps.applyDefaults(keys)
	c.Ladder.applyDefaults(keys)
	c.Inventory.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Basket.applyDefaults(keys)
	c.Seed.applyDefaults(keys)
	c.Trend.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.mode", &a.Mode, defaultAppMode),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (i *InstrumentConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("instrument.symbol", &i.Symbol, defaultSymbol),
		stringFieldDefault("instrument.strategy_tag", &i.StrategyTag, defaultStrategyTag),
		floatFieldDefault("instrument.point", &i.Point, defaultPoint),
		floatFieldDefault("instrument.point_value", &i.PointValue, defaultPointValue),
		floatFieldDefault("instrument.lot_step", &i.LotStep, defaultLotStep),
		floatFieldDefault("instrument.min_lot", &i.MinLot, defaultMinLot),
		floatFieldDefault("instrument.max_lot", &i.MaxLot, defaultMaxLot),
		floatFieldDefault("instrument.contract_size", &i.ContractSize, defaultContractSize),
	)
}

func (r *RegimeConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("regime.ma_period", &r.MAPeriod, defaultMAPeriod),
		intFieldDefault("regime.atr_period", &r.ATRPeriod, defaultATRPeriod),
		floatFieldDefault("regime.bias_on", &r.BiasOn, defaultBiasOn),
		floatFieldDefault("regime.bias_off", &r.BiasOff, defaultBiasOff),
		floatFieldDefault("regime.slope_z_min", &r.SlopeZMin, defaultSlopeZMin),
		floatFieldDefault("regime.slope_z_flat", &r.SlopeZFlat, defaultSlopeZFlat),
		intFieldDefault("regime.min_range_hold_bars", &r.MinRangeHoldBars, defaultMinRangeHold),
		intFieldDefault("regime.min_trend_hold_bars", &r.MinTrendHoldBars, defaultMinTrendHold),
	)
}

func (s *StepConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("steps.range_mult", &s.RangeMult, defaultStepRangeMult),
		floatFieldDefault("steps.trend_mult", &s.TrendMult, defaultStepTrendMult),
		floatFieldDefault("steps.min_points", &s.MinPoints, defaultStepMinPoints),
		floatFieldDefault("steps.max_points", &s.MaxPoints, defaultStepMaxPoints),
	)
}

func (l *LadderConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "ladder.lots",
			need:  func() bool { return len(l.Lots) == 0 },
			apply: func() { l.Lots = append([]float64(nil), defaultLadderLots...) },
		},
	)
}

func (i *InventoryConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("inventory.budget_pct", &i.BudgetPct, defaultBudgetPct),
		floatFieldDefault("inventory.release_ratio", &i.ReleaseRatio, defaultReleaseRatio),
		intFieldDefault("inventory.release_bars", &i.ReleaseBars, defaultReleaseBars),
		intFieldDefault("inventory.min_reduce_per_bar", &i.MinReducePerBar, defaultMinReducePerBar),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.soft_dd_pct", &r.SoftDDPct, defaultSoftDDPct),
		floatFieldDefault("risk.hard_dd_pct", &r.HardDDPct, defaultHardDDPct),
		floatFieldDefault("risk.daily_loss_pct", &r.DailyLossPct, defaultDailyLossPct),
		floatFieldDefault("risk.weekly_loss_pct", &r.WeeklyLossPct, defaultWeeklyLossPct),
		floatFieldDefault("risk.soft_cooldown_hours", &r.SoftCooldownHours, defaultSoftCooldownHours),
		floatFieldDefault("risk.hard_cooldown_hours", &r.HardCooldownHours, defaultHardCooldownHours),
		floatFieldDefault("risk.min_margin_level_pct", &r.MinMarginLevelPct, defaultMinMarginLevel),
		floatFieldDefault("risk.max_spread_points", &r.MaxSpreadPoints, defaultMaxSpreadPoints),
		floatFieldDefault("risk.risk_per_trade", &r.RiskPerTrade, defaultRiskPerTrade),
	)
}

func (b *BasketConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("basket.hard_target_usd", &b.HardTargetUSD, defaultBasketHardUSD),
		floatFieldDefault("basket.atr_target_k", &b.ATRTargetK, defaultBasketATRK),
	)
}

func (s *SeedConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("seed.enabled", &s.Enabled, true),
		floatFieldDefault("seed.max_bias", &s.MaxBias, defaultSeedMaxBias),
	)
}

func (t *TrendConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("trend.allow_adds", &t.AllowAdds, true),
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.data_root", &b.DataRoot, defaultBacktestDataRoot),
		stringFieldDefault("backtest.result_db", &b.ResultDB, defaultBacktestResultDB),
		stringFieldDefault("backtest.timeframe", &b.Timeframe, defaultBacktestTimeframe),
		stringFieldDefault("backtest.report_dir", &b.ReportDir, defaultBacktestReports),
		floatFieldDefault("backtest.fee_rate", &b.FeeRate, defaultBacktestFee),
		floatFieldDefault("backtest.spread_points", &b.SpreadPoints, defaultBacktestSpread),
		floatFieldDefault("backtest.initial_equity", &b.InitialEquity, defaultBacktestEquity),
		intFieldDefault("backtest.leverage", &b.Leverage, defaultBacktestLeverage),
		intFieldDefault("backtest.lookback_bars", &b.LookbackBars, defaultBacktestLookback),
		intFieldDefault("backtest.max_concurrent", &b.MaxConcurrent, 1),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
