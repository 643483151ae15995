package market

import "context"

type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
}

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// InstrumentInfo 是从交易所规则中解析出的下单约束。
type InstrumentInfo struct {
	Symbol   string
	TickSize float64
	LotStep  float64
	MinLot   float64
	MaxLot   float64
}

// Source 统一实时行情数据源的行为：历史 K 线 + 收盘 K 线订阅。
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	Subscribe(ctx context.Context, symbol, interval string, opts SubscribeOptions) (<-chan CandleEvent, error)

	InstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)

	Stats() SourceStats

	Close() error
}
