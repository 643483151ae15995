package config

import "strings"

// Config 是 gridhelm 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Instrument InstrumentConfig `toml:"instrument"`
	Regime     RegimeConfig     `toml:"regime"`
	Steps      StepConfig       `toml:"steps"`
	Ladder     LadderConfig     `toml:"ladder"`
	Inventory  InventoryConfig  `toml:"inventory"`
	Risk       RiskConfig       `toml:"risk"`
	Basket     BasketConfig     `toml:"basket"`
	Seed       SeedConfig       `toml:"seed"`
	Trend      TrendConfig      `toml:"trend"`
	Market     MarketConfig     `toml:"market"`
	Backtest   BacktestConfig   `toml:"backtest"`
	News       NewsConfig       `toml:"news"`
	Notify     NotifyConfig     `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	Mode     string `toml:"mode"` // "backtest" | "live"
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// InstrumentConfig 描述交易品种的报价与手数约束。
// Point 是一个价格增量（point）的绝对价差，PointValue 是标准手每 point 的美元价值。
type InstrumentConfig struct {
	Symbol       string  `toml:"symbol"`
	Point        float64 `toml:"point"`
	PointValue   float64 `toml:"point_value"`
	LotStep      float64 `toml:"lot_step"`
	MinLot       float64 `toml:"min_lot"`
	MaxLot       float64 `toml:"max_lot"`
	ContractSize float64 `toml:"contract_size"`
	StrategyTag  string  `toml:"strategy_tag"`
}

// RegimeConfig 是趋势/震荡分类器的滞回阈值。
type RegimeConfig struct {
	MAPeriod         int     `toml:"ma_period"`
	ATRPeriod        int     `toml:"atr_period"`
	BiasOn           float64 `toml:"bias_on"`
	BiasOff          float64 `toml:"bias_off"`
	SlopeZMin        float64 `toml:"slope_z_min"`
	SlopeZFlat       float64 `toml:"slope_z_flat"`
	MinRangeHoldBars int     `toml:"min_range_hold_bars"`
	MinTrendHoldBars int     `toml:"min_trend_hold_bars"`
}

// StepConfig 控制网格/减仓步距（point 单位）。
type StepConfig struct {
	RangeMult float64 `toml:"range_mult"`
	TrendMult float64 `toml:"trend_mult"`
	MinPoints float64 `toml:"min_points"`
	MaxPoints float64 `toml:"max_points"`
}

// LadderConfig 是按同侧持仓数索引的加仓手数阶梯（固定 5 档，末档饱和）。
type LadderConfig struct {
	Lots []float64 `toml:"lots"`
}

// InventoryConfig 控制强制减仓护栏。
type InventoryConfig struct {
	BudgetPct       float64 `toml:"budget_pct"`
	ReleaseRatio    float64 `toml:"release_ratio"`
	ReleaseBars     int     `toml:"release_bars"`
	MinReducePerBar int     `toml:"min_reduce_per_bar"`
}

// RiskConfig 是多级风控阈值与冷却时长。
type RiskConfig struct {
	SoftDDPct         float64 `toml:"soft_dd_pct"`
	HardDDPct         float64 `toml:"hard_dd_pct"`
	DailyLossPct      float64 `toml:"daily_loss_pct"`
	WeeklyLossPct     float64 `toml:"weekly_loss_pct"`
	SoftCooldownHours float64 `toml:"soft_cooldown_hours"`
	HardCooldownHours float64 `toml:"hard_cooldown_hours"`
	MinMarginLevelPct float64 `toml:"min_margin_level_pct"`
	MaxSpreadPoints   float64 `toml:"max_spread_points"`
	RiskPerTrade      float64 `toml:"risk_per_trade"`
}

// BasketConfig 控制篮子止盈。
type BasketConfig struct {
	HardTargetUSD float64 `toml:"hard_target_usd"`
	ATRTargetK    float64 `toml:"atr_target_k"`
}

type SeedConfig struct {
	Enabled bool    `toml:"enabled"`
	MaxBias float64 `toml:"max_bias"`
}

type TrendConfig struct {
	AllowAdds bool `toml:"allow_adds"`
}

type BacktestConfig struct {
	DataRoot       string  `toml:"data_root"`
	ResultDB       string  `toml:"result_db"`
	Timeframe      string  `toml:"timeframe"`
	FeeRate        float64 `toml:"fee_rate"`
	SpreadPoints   float64 `toml:"spread_points"`
	InitialEquity  float64 `toml:"initial_equity"`
	Leverage       int     `toml:"leverage"`
	MaxConcurrent  int     `toml:"max_concurrent"`
	LookbackBars   int     `toml:"lookback_bars"`
	ReportDir      string  `toml:"report_dir"`
	RenderSnapshot bool    `toml:"render_snapshot"`
}

type NewsConfig struct {
	Enabled      bool     `toml:"enabled"`
	CalendarPath string   `toml:"calendar_path"`
	Currencies   []string `toml:"currencies"`
	MinImpact    string   `toml:"min_impact"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type MarketConfig struct {
	ActiveSource string         `toml:"active_source"`
	Sources      []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name        string      `toml:"name"`
	Enabled     bool        `toml:"enabled"`
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// LotAt 返回第 idx 档阶梯手数，超出末档时饱和。
func (l LadderConfig) LotAt(idx int) float64 {
	if len(l.Lots) == 0 {
		return 0
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.Lots) {
		idx = len(l.Lots) - 1
	}
	return l.Lots[idx]
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
