package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepParams_Clamp(t *testing.T) {
	p := StepParams{RangeMult: 0.8, TrendMult: 1.2, MinPoints: 120, MaxPoints: 900}

	assert.InDelta(t, 160, p.RangeStepPoints(200), 1e-9)
	assert.InDelta(t, 240, p.TrendStepPoints(200), 1e-9)
	assert.InDelta(t, 120, p.RangeStepPoints(10), 1e-9, "下限兜底")
	assert.InDelta(t, 900, p.TrendStepPoints(5000), 1e-9, "上限封顶")
}

func TestDeRiskAnchor_ExactStepTrigger(t *testing.T) {
	a := NewDeRiskAnchor()
	a.OnTrendEnter(1.10000, 1)

	// 1.10800-1.10000 与 0.0080 的比较必须精确为真，不受二进制误差影响
	assert.True(t, a.StepTriggered(1.10800, 0.0080))
	assert.False(t, a.StepTriggered(1.10799, 0.0080))
	// 反方向位移同样触发（位移取绝对值）
	assert.True(t, a.StepTriggered(1.09200, 0.0080))

	assert.False(t, a.StepTriggered(1.20000, 0), "步距非正不触发")
}

func TestDeRiskAnchor_RatchetAdvance(t *testing.T) {
	a := NewDeRiskAnchor()
	a.OnTrendEnter(1.10000, 1)

	// 价格一次冲过两个步距，锚点仍按固定节奏逐格推进
	a.AdvanceAnchor(0.0080)
	assert.InDelta(t, 1.10800, a.State().AnchorPrice, 1e-12)
	a.AdvanceAnchor(0.0080)
	assert.Equal(t, 1.11600, a.State().AnchorPrice, "两次推进后精确到 1.11600")
	assert.True(t, a.StepTriggered(1.12400, 0.0080))
	assert.False(t, a.StepTriggered(1.12000, 0.0080), "推进后旧位移不再触发")
}

func TestDeRiskAnchor_DownTrendAndExit(t *testing.T) {
	a := NewDeRiskAnchor()
	assert.False(t, a.StepTriggered(1.1, 0.008), "无锚点不触发")
	a.AdvanceAnchor(0.008) // 无锚点推进是无操作
	assert.False(t, a.State().Present)

	a.OnTrendEnter(1.10000, -1)
	a.AdvanceAnchor(0.0080)
	assert.InDelta(t, 1.09200, a.State().AnchorPrice, 1e-12, "下行趋势锚点向下推进")

	a.OnTrendExit()
	assert.Equal(t, DeRiskAnchorState{}, a.State(), "退出趋势清空锚点")
}
