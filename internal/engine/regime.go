package engine

import (
	"gridhelm/internal/broker"
)

// RegimeParams 是趋势/震荡分类器的滞回阈值。
// bias_on 必须大于 bias_off、slope_z_min 必须大于 slope_z_flat，
// 否则两个方向的阈值重叠，状态机会在边界上来回抖动。
type RegimeParams struct {
	BiasOn           float64
	BiasOff          float64
	SlopeZMin        float64
	SlopeZFlat       float64
	MinRangeHoldBars int
	MinTrendHoldBars int
}

// RegimeState 是分类器在当前已收盘 K 线上的输出。
// 不变式：IsTrend == false 时 TrendDir 恒为 0。
type RegimeState struct {
	IsTrend  bool
	TrendDir int // -1/0/+1
	HoldBars int // 当前状态已停留的 K 线数
	Bias     float64
	SlopeZ   float64
}

// RegimeClassifier 按 K 线分类趋势/震荡，带最小停留时间滞回。
type RegimeClassifier struct {
	params RegimeParams
	state  RegimeState
}

func NewRegimeClassifier(params RegimeParams) *RegimeClassifier {
	return &RegimeClassifier{params: params}
}

// Update 用一根已收盘 K 线的输入推进状态机。
// 上游读数不可用（ATR 非正）时返回 false 且不改动任何状态，
// 调度器应整根跳过。
func (c *RegimeClassifier) Update(in broker.BarInputs) bool {
	if in.ATR <= 0 || in.MA <= 0 || in.Close <= 0 {
		return false
	}
	bias := priceDistance(in.Close, in.MA) / in.ATR
	slope := in.MA - in.MAPrev
	slopeZ := priceDistance(in.MA, in.MAPrev) / in.ATR
	slopeDir := signOf(slope)
	priceDir := signOf(in.Close - in.MA)

	c.state.Bias = bias
	c.state.SlopeZ = slopeZ

	if !c.state.IsTrend {
		canEnter := c.state.HoldBars >= c.params.MinRangeHoldBars &&
			bias >= c.params.BiasOn &&
			slopeDir != 0 && slopeDir == priceDir &&
			slopeZ >= c.params.SlopeZMin
		if canEnter {
			c.state.IsTrend = true
			c.state.TrendDir = slopeDir
			c.state.HoldBars = 0
			return true
		}
		c.state.HoldBars++
		return true
	}

	agree := slopeDir != 0 && priceDir != 0 && slopeDir == priceDir
	canExit := c.state.HoldBars >= c.params.MinTrendHoldBars &&
		(bias <= c.params.BiasOff || !agree || slopeZ <= c.params.SlopeZFlat)
	if canExit {
		c.state.IsTrend = false
		c.state.TrendDir = 0
		c.state.HoldBars = 0
		return true
	}
	// 趋势持续期间方向跟随滤波器的斜率符号，状态本身不因变号退出。
	if slopeDir != 0 {
		c.state.TrendDir = slopeDir
	}
	c.state.HoldBars++
	return true
}

func (c *RegimeClassifier) State() RegimeState {
	return c.state
}

func signOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
