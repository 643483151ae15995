package engine

import (
	"testing"

	"gridhelm/internal/broker"

	"github.com/stretchr/testify/assert"
)

func testRegimeParams() RegimeParams {
	return RegimeParams{
		BiasOn:           1.6,
		BiasOff:          0.9,
		SlopeZMin:        0.12,
		SlopeZFlat:       0.05,
		MinRangeHoldBars: 2,
		MinTrendHoldBars: 2,
	}
}

func trendBar(close, ma, maPrev, atr float64) broker.BarInputs {
	return broker.BarInputs{Close: close, MA: ma, MAPrev: maPrev, ATR: atr}
}

func TestRegimeClassifier_DwellGate(t *testing.T) {
	c := NewRegimeClassifier(testRegimeParams())
	// 偏离与斜率都满足，但停留不足两根，不允许进入趋势
	strong := trendBar(1.1200, 1.1000, 1.0980, 0.01)

	assert.True(t, c.Update(strong))
	assert.False(t, c.State().IsTrend, "第一根就进趋势违反最小停留")
	assert.True(t, c.Update(strong))
	assert.False(t, c.State().IsTrend)

	assert.True(t, c.Update(strong))
	assert.True(t, c.State().IsTrend, "停留满两根后应进入趋势")
	assert.Equal(t, 1, c.State().TrendDir)
	assert.Equal(t, 0, c.State().HoldBars, "进入趋势时停留计数归零")

	// 立刻给出退出条件，同样被趋势侧停留门挡住
	weak := trendBar(1.1005, 1.1000, 1.0999, 0.01)
	assert.True(t, c.Update(weak))
	assert.True(t, c.State().IsTrend)
	assert.True(t, c.Update(weak))
	assert.True(t, c.State().IsTrend)
	assert.True(t, c.Update(weak))
	assert.False(t, c.State().IsTrend, "停留满后 bias 低于下限应退出")
	assert.Equal(t, 0, c.State().TrendDir, "非趋势状态方向必须为 0")
}

func TestRegimeClassifier_EntryNeedsAgreement(t *testing.T) {
	p := testRegimeParams()
	p.MinRangeHoldBars = 0
	c := NewRegimeClassifier(p)

	// 价在均线上方但均线向下，方向不一致不得进趋势
	disagree := trendBar(1.1200, 1.1000, 1.1020, 0.01)
	assert.True(t, c.Update(disagree))
	assert.False(t, c.State().IsTrend)

	// 斜率归零同样不行
	flat := trendBar(1.1200, 1.1000, 1.1000, 0.01)
	assert.True(t, c.Update(flat))
	assert.False(t, c.State().IsTrend)

	agree := trendBar(1.1200, 1.1000, 1.0980, 0.01)
	assert.True(t, c.Update(agree))
	assert.True(t, c.State().IsTrend)
}

func TestRegimeClassifier_TrendDirResourced(t *testing.T) {
	p := testRegimeParams()
	p.MinRangeHoldBars = 0
	p.MinTrendHoldBars = 10 // 锁住退出，观察方向跟随
	c := NewRegimeClassifier(p)

	assert.True(t, c.Update(trendBar(1.1200, 1.1000, 1.0980, 0.01)))
	assert.Equal(t, 1, c.State().TrendDir)

	// 斜率翻负但趋势状态仍被停留门保持，方向应跟随变为 -1
	assert.True(t, c.Update(trendBar(1.1200, 1.1000, 1.1020, 0.01)))
	assert.True(t, c.State().IsTrend)
	assert.Equal(t, -1, c.State().TrendDir)

	// 斜率为零时保持原方向不清零
	assert.True(t, c.Update(trendBar(1.1200, 1.1000, 1.1000, 0.01)))
	assert.True(t, c.State().IsTrend)
	assert.Equal(t, -1, c.State().TrendDir)
}

func TestRegimeClassifier_InvalidInput(t *testing.T) {
	c := NewRegimeClassifier(testRegimeParams())
	assert.True(t, c.Update(trendBar(1.1, 1.1, 1.1, 0.01)))
	before := c.State()

	assert.False(t, c.Update(trendBar(1.1, 1.1, 1.1, 0)), "ATR 非正必须报告失败")
	assert.False(t, c.Update(trendBar(1.1, 1.1, 1.1, -0.01)))
	assert.Equal(t, before, c.State(), "失败时不得改动任何状态")
}
