// Package broker 定义引擎与经纪端协作者之间的抽象边界。
// 引擎只通过这些接口观察与改变持仓，从不直接触碰交易所实现。
package broker

import "time"

type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// Opposite 返回对侧。
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Ticket 是单个持仓的稳定引用；0 表示「无」哨兵值。
type Ticket int64

// Position 是经纪端持仓集合中的一条记录。
type Position struct {
	Ticket      Ticket
	Symbol      string
	StrategyTag string
	Side        Side
	Lots        float64
	OpenPrice   float64
	OpenTime    time.Time
	Profit      float64 // 浮动盈亏（USD）
	StopLoss    float64
	TakeProfit  float64
}

// Quote 是当前盘口读数。
type Quote struct {
	Bid          float64
	Ask          float64
	SpreadPoints float64
}

// BarInputs 是一根已收盘 K 线交给引擎的全部市场输入。
type BarInputs struct {
	BarTime time.Time
	Close   float64
	MA      float64
	MAPrev  float64
	ATR     float64
	Quote   Quote
}

// AccountInfo 是账户层读数。
type AccountInfo struct {
	Equity         float64
	MarginLevelPct float64
}

// LotConstraints 是经纪端的下单约束。
type LotConstraints struct {
	Step          float64
	Min           float64
	Max           float64
	PerPointValue float64 // 标准手每 point 的美元价值
}
