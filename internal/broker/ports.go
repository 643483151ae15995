package broker

import (
	"context"
	"time"
)

// OpenOrder 描述一笔市价开仓请求。
type OpenOrder struct {
	Side       Side
	Lots       float64
	StopLoss   float64 // 0 = 不挂
	TakeProfit float64 // 0 = 不挂
	Tag        string
}

// Executor 是交易执行协作者。空仓时的 CloseAll/CloseTicket 必须是无操作的成功。
// 所有方法返回 (ok, error)：ok=false 且 err=nil 表示经纪端拒绝（当根 K 线内不重试）。
type Executor interface {
	Open(ctx context.Context, order OpenOrder) (Ticket, error)
	CloseTicket(ctx context.Context, ticket Ticket) error
	CloseAll(ctx context.Context) error
}

// PositionSource 提供持仓集合的完整快照；每次调用都是一次全量扫描。
type PositionSource interface {
	ListOpen(ctx context.Context) ([]Position, error)
}

// MarketFeed 提供引擎每根 K 线所需的行情与账户读数。
type MarketFeed interface {
	// Bar 返回最近一根已收盘 K 线的输入；second 返回值为 false 表示
	// 指标历史不足或波动率读数非正，引擎应整根跳过。
	Bar(ctx context.Context) (BarInputs, bool)
	Account(ctx context.Context) AccountInfo
	Lots() LotConstraints
}

// NewsFilter 在外部日历封锁交易时返回 true。
type NewsFilter interface {
	Blocked(now time.Time) bool
}
