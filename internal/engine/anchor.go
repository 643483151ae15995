package engine

// StepParams 控制趋势/震荡两种模式下的步长计算。
type StepParams struct {
	RangeMult float64
	TrendMult float64
	MinPoints float64
	MaxPoints float64
	Point     float64 // 一个最小报价增量的价格值，例如五位报价的 0.00001
}

// TrendStepPoints 趋势减仓步距（点数）。
func (p StepParams) TrendStepPoints(atrPoints float64) float64 {
	return clampPoints(atrPoints*p.TrendMult, p.MinPoints, p.MaxPoints)
}

// RangeStepPoints 震荡网格步距（点数），同时也是加仓止损距离的基准。
func (p StepParams) RangeStepPoints(atrPoints float64) float64 {
	return clampPoints(atrPoints*p.RangeMult, p.MinPoints, p.MaxPoints)
}

func clampPoints(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DeRiskAnchorState 是锚点棘轮的快照。
type DeRiskAnchorState struct {
	Present     bool
	AnchorPrice float64
	AnchorDir   int
}

// DeRiskAnchor 在趋势入场价上建立参考锚点，价格每走出一个步距
// 触发一次减仓，然后把锚点沿方向推进整整一个步距。
// 推进是棘轮式的：即使价格一次性越过多个步距，锚点也只前移一格，
// 保证减仓节奏恒定而不会被单根大 K 线吞掉后续触发。
type DeRiskAnchor struct {
	state DeRiskAnchorState
}

func NewDeRiskAnchor() *DeRiskAnchor {
	return &DeRiskAnchor{}
}

func (a *DeRiskAnchor) State() DeRiskAnchorState {
	return a.state
}

func (a *DeRiskAnchor) OnTrendEnter(price float64, dir int) {
	a.state = DeRiskAnchorState{Present: true, AnchorPrice: price, AnchorDir: dir}
}

func (a *DeRiskAnchor) OnTrendExit() {
	a.state = DeRiskAnchorState{}
}

// StepTriggered 判断价格相对锚点的位移是否达到一个步距。
// 用 decimal 比较避免 1.10800-1.10000 这类运算被二进制误差判负。
func (a *DeRiskAnchor) StepTriggered(price, stepPrice float64) bool {
	if !a.state.Present || stepPrice <= 0 {
		return false
	}
	return decimalGTE(priceDistance(price, a.state.AnchorPrice), stepPrice)
}

// AdvanceAnchor 把锚点沿方向推进一个步距，方向为 0 时不动。
func (a *DeRiskAnchor) AdvanceAnchor(stepPrice float64) {
	if !a.state.Present || a.state.AnchorDir == 0 {
		return
	}
	a.state.AnchorPrice = shiftPrice(a.state.AnchorPrice, a.state.AnchorDir, stepPrice)
}
