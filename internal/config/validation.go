package config

import (
	"fmt"
	"strings"
)

// validate 在启动时对配置做一次性校验；运行期不支持热更。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Instrument.validate(); err != nil {
		return err
	}
	if err := c.Regime.validate(); err != nil {
		return err
	}
	if err := c.Steps.validate(); err != nil {
		return err
	}
	if err := c.Ladder.validate(); err != nil {
		return err
	}
	if err := c.Inventory.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Basket.validate(); err != nil {
		return err
	}
	if err := c.Seed.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	mode := strings.ToLower(strings.TrimSpace(a.Mode))
	if mode != "backtest" && mode != "live" {
		return fmt.Errorf("app.mode 只支持 backtest/live，当前为 %q", a.Mode)
	}
	a.Mode = mode
	return nil
}

func (i *InstrumentConfig) validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("instrument.symbol 不能为空")
	}
	if i.Point <= 0 {
		return fmt.Errorf("instrument.point 必须为正")
	}
	if i.PointValue <= 0 {
		return fmt.Errorf("instrument.point_value 必须为正")
	}
	if i.LotStep <= 0 {
		return fmt.Errorf("instrument.lot_step 必须为正")
	}
	if i.MinLot <= 0 || i.MaxLot < i.MinLot {
		return fmt.Errorf("instrument.min_lot/max_lot 非法: [%v, %v]", i.MinLot, i.MaxLot)
	}
	if strings.TrimSpace(i.StrategyTag) == "" {
		return fmt.Errorf("instrument.strategy_tag 不能为空")
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	if r.MAPeriod < 2 {
		return fmt.Errorf("regime.ma_period 必须 >= 2")
	}
	if r.ATRPeriod < 1 {
		return fmt.Errorf("regime.atr_period 必须 >= 1")
	}
	if r.BiasOn <= r.BiasOff {
		return fmt.Errorf("regime.bias_on(%v) 必须大于 bias_off(%v)，否则滞回失效", r.BiasOn, r.BiasOff)
	}
	if r.SlopeZMin <= r.SlopeZFlat {
		return fmt.Errorf("regime.slope_z_min(%v) 必须大于 slope_z_flat(%v)", r.SlopeZMin, r.SlopeZFlat)
	}
	if r.MinRangeHoldBars < 0 || r.MinTrendHoldBars < 0 {
		return fmt.Errorf("regime.min_*_hold_bars 不能为负")
	}
	return nil
}

func (s *StepConfig) validate() error {
	if s.RangeMult <= 0 || s.TrendMult <= 0 {
		return fmt.Errorf("steps.range_mult/trend_mult 必须为正")
	}
	if s.MinPoints <= 0 || s.MaxPoints < s.MinPoints {
		return fmt.Errorf("steps.min_points/max_points 非法: [%v, %v]", s.MinPoints, s.MaxPoints)
	}
	return nil
}

func (l *LadderConfig) validate() error {
	if len(l.Lots) != 5 {
		return fmt.Errorf("ladder.lots 必须是 5 档，当前 %d 档", len(l.Lots))
	}
	prev := 0.0
	for i, lot := range l.Lots {
		if lot <= 0 {
			return fmt.Errorf("ladder.lots[%d] 必须为正", i)
		}
		if lot < prev {
			return fmt.Errorf("ladder.lots 必须非递减，第 %d 档 %v < %v", i, lot, prev)
		}
		prev = lot
	}
	return nil
}

func (i *InventoryConfig) validate() error {
	if i.BudgetPct <= 0 || i.BudgetPct >= 1 {
		return fmt.Errorf("inventory.budget_pct 必须在 (0,1)")
	}
	if i.ReleaseRatio <= 0 || i.ReleaseRatio > 1 {
		return fmt.Errorf("inventory.release_ratio 必须在 (0,1]")
	}
	if i.ReleaseBars < 1 {
		return fmt.Errorf("inventory.release_bars 必须 >= 1")
	}
	if i.MinReducePerBar < 1 {
		return fmt.Errorf("inventory.min_reduce_per_bar 必须 >= 1")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.SoftDDPct <= 0 || r.SoftDDPct >= r.HardDDPct {
		return fmt.Errorf("risk.soft_dd_pct 必须为正且小于 hard_dd_pct")
	}
	if r.HardDDPct >= 1 {
		return fmt.Errorf("risk.hard_dd_pct 必须小于 1")
	}
	if r.DailyLossPct <= 0 || r.WeeklyLossPct <= 0 {
		return fmt.Errorf("risk.daily_loss_pct/weekly_loss_pct 必须为正")
	}
	if r.SoftCooldownHours <= 0 || r.HardCooldownHours <= 0 {
		return fmt.Errorf("risk.*_cooldown_hours 必须为正")
	}
	if r.HardCooldownHours < r.SoftCooldownHours {
		return fmt.Errorf("risk.hard_cooldown_hours 不应小于 soft_cooldown_hours")
	}
	if r.MaxSpreadPoints <= 0 {
		return fmt.Errorf("risk.max_spread_points 必须为正")
	}
	if r.RiskPerTrade <= 0 || r.RiskPerTrade >= 0.1 {
		return fmt.Errorf("risk.risk_per_trade 必须在 (0, 0.1)")
	}
	return nil
}

func (b *BasketConfig) validate() error {
	if b.HardTargetUSD <= 0 {
		return fmt.Errorf("basket.hard_target_usd 必须为正")
	}
	if b.ATRTargetK <= 0 {
		return fmt.Errorf("basket.atr_target_k 必须为正")
	}
	return nil
}

func (s *SeedConfig) validate() error {
	if s.MaxBias <= 0 {
		return fmt.Errorf("seed.max_bias 必须为正")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources 至少需要一个数据源")
	}
	enabled := 0
	for _, src := range m.Sources {
		if src.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources 没有启用的数据源")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.InitialEquity <= 0 {
		return fmt.Errorf("backtest.initial_equity 必须为正")
	}
	if b.FeeRate < 0 {
		return fmt.Errorf("backtest.fee_rate 不能为负")
	}
	if b.SpreadPoints < 0 {
		return fmt.Errorf("backtest.spread_points 不能为负")
	}
	if b.Leverage < 1 {
		return fmt.Errorf("backtest.leverage 必须 >= 1")
	}
	if b.LookbackBars < 10 {
		return fmt.Errorf("backtest.lookback_bars 必须 >= 10")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram 启用时 bot_token/chat_id 不能为空")
	}
	return nil
}
