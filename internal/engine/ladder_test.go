package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLotLadder_SaturatingLookup(t *testing.T) {
	ladder := LotLadder{0.01, 0.01, 0.02, 0.03, 0.05}

	assert.InDelta(t, 0.01, ladder.Lots(0), 1e-9)
	assert.InDelta(t, 0.01, ladder.Lots(1), 1e-9)
	assert.InDelta(t, 0.02, ladder.Lots(2), 1e-9)
	assert.InDelta(t, 0.03, ladder.Lots(3), 1e-9)
	assert.InDelta(t, 0.05, ladder.Lots(4), 1e-9)
	for idx := 5; idx < 20; idx++ {
		assert.InDelta(t, 0.05, ladder.Lots(idx), 1e-9, "超出阶梯一律取末档")
	}
	assert.InDelta(t, 0.01, ladder.Lots(-1), 1e-9)
	assert.Zero(t, LotLadder(nil).Lots(3))
}

func TestBasketParams_DynamicTarget(t *testing.T) {
	p := BasketParams{HardTargetUSD: 25, DynamicK: 0.4}

	// K=0.4, atrPoints=150 ⇒ atrPips=15, netLots=0.05: max(3.0, 0.4×15×10×0.05) = 3.0
	assert.InDelta(t, 3.0, p.DynamicTarget(150, 0.05), 1e-9)
	assert.InDelta(t, 3.2, p.DynamicTarget(800, 0.01), 1e-9)
	assert.InDelta(t, 3.2, p.DynamicTarget(800, -0.01), 1e-9, "净手数取绝对值")
	assert.InDelta(t, 3.2, p.DynamicTarget(800, 0), 1e-9, "完全对冲时按 0.01 保底")

	t.Run("Target Reached", func(t *testing.T) {
		assert.True(t, p.TargetReached(25, 150, 0.05), "达到固定美元目标")
		assert.True(t, p.TargetReached(3.0, 150, 0.05), "达到动态目标")
		assert.False(t, p.TargetReached(2.99, 150, 0.05))
		assert.False(t, p.TargetReached(-10, 150, 0.05))
	})
}
