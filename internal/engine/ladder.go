package engine

// LotLadder 是按边内已有仓位数索引的固定加仓手数阶梯，
// 超出长度的索引一律取最后一档（饱和，不归零）。
type LotLadder []float64

// Lots 第 index 次加仓的手数。index 从 0 起：0 对应该边第一笔。
func (l LotLadder) Lots(index int) float64 {
	if len(l) == 0 {
		return 0
	}
	if index < 0 {
		index = 0
	}
	if index >= len(l) {
		index = len(l) - 1
	}
	return l[index]
}

// BasketParams 控制震荡篮子的止盈目标。
type BasketParams struct {
	HardTargetUSD float64 // 固定美元止盈
	DynamicK      float64 // 动态目标系数 K
}

// DynamicTarget 动态篮子目标：max(3.0, K × atrPips × 10 × 净手数)。
// 净手数取绝对值并保底 0.01，避免完全对冲时目标塌到 0。
func (p BasketParams) DynamicTarget(atrPoints, netLots float64) float64 {
	atrPips := atrPoints / 10
	n := netLots
	if n < 0 {
		n = -n
	}
	if n < 0.01 {
		n = 0.01
	}
	target := p.DynamicK * atrPips * 10 * n
	if target < 3.0 {
		target = 3.0
	}
	return target
}

// TargetReached 浮盈达到固定目标或动态目标任一即可。
func (p BasketParams) TargetReached(profit, atrPoints, netLots float64) bool {
	if p.HardTargetUSD > 0 && profit >= p.HardTargetUSD {
		return true
	}
	return profit >= p.DynamicTarget(atrPoints, netLots)
}
