// Package paper 提供一个内存撮合的模拟经纪端，
// 同时实现执行器、持仓源与行情源三个端口，供回测推演使用。
package paper

import (
	"context"
	"fmt"
	"time"

	"gridhelm/internal/broker"
	"gridhelm/internal/logger"
	"gridhelm/internal/market"
)

type Config struct {
	Symbol        string
	Tag           string
	Point         float64
	PointValue    float64 // 标准手每 point 的美元价值
	LotStep       float64
	MinLot        float64
	MaxLot        float64
	ContractSize  float64
	SpreadPoints  float64
	FeeRate       float64 // 按名义价值计的单边费率
	InitialEquity float64
	Leverage      int
}

// CloseReason 标记一笔平仓的来源。
type CloseReason string

const (
	CloseByEngine   CloseReason = "engine"
	CloseByStopLoss CloseReason = "stop_loss"
	CloseByTakeProf CloseReason = "take_profit"
)

// ClosedTrade 是一笔已了结交易的完整记录。
type ClosedTrade struct {
	Ticket     broker.Ticket
	Side       broker.Side
	Lots       float64
	OpenPrice  float64
	ClosePrice float64
	OpenTime   time.Time
	CloseTime  time.Time
	Profit     float64
	Fee        float64
	Reason     CloseReason
}

// Broker 是单品种的模拟经纪端。非并发安全：
// 回测是单线程逐根推进的，与引擎的并发模型一致。
type Broker struct {
	cfg Config

	balance    float64
	positions  []broker.Position
	nextTicket broker.Ticket
	closed     []ClosedTrade

	bar   broker.BarInputs
	ready bool
	now   time.Time
}

func New(cfg Config) (*Broker, error) {
	if cfg.Point <= 0 || cfg.PointValue <= 0 {
		return nil, fmt.Errorf("paper: point/point_value 必须为正")
	}
	if cfg.InitialEquity <= 0 {
		return nil, fmt.Errorf("paper: initial_equity 必须为正")
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 100
	}
	return &Broker{cfg: cfg, balance: cfg.InitialEquity}, nil
}

// Advance 推进到一根新 K 线：先用本根高低价撮合止损/止盈，
// 再按收盘价刷新浮动盈亏并更新行情快照。ready=false 表示指标未就绪。
func (b *Broker) Advance(c market.Candle, ma, maPrev, atr float64, ready bool) {
	b.now = time.UnixMilli(c.CloseTime).UTC()
	b.fillStops(c)

	spread := b.cfg.SpreadPoints * b.cfg.Point
	bid := c.Close
	ask := c.Close + spread
	for i := range b.positions {
		b.positions[i].Profit = b.unrealized(b.positions[i], bid, ask)
	}
	b.bar = broker.BarInputs{
		BarTime: b.now,
		Close:   c.Close,
		MA:      ma,
		MAPrev:  maPrev,
		ATR:     atr,
		Quote:   broker.Quote{Bid: bid, Ask: ask, SpreadPoints: b.cfg.SpreadPoints},
	}
	b.ready = ready
}

// fillStops 在 K 线内用高低价检查挂单水平；同根先触发止损（保守假设）。
func (b *Broker) fillStops(c market.Candle) {
	spread := b.cfg.SpreadPoints * b.cfg.Point
	remaining := b.positions[:0]
	for _, p := range b.positions {
		var price float64
		var reason CloseReason
		switch {
		case p.Side == broker.Long && p.StopLoss > 0 && c.Low <= p.StopLoss:
			price, reason = p.StopLoss, CloseByStopLoss
		case p.Side == broker.Short && p.StopLoss > 0 && c.High+spread >= p.StopLoss:
			price, reason = p.StopLoss, CloseByStopLoss
		case p.Side == broker.Long && p.TakeProfit > 0 && c.High >= p.TakeProfit:
			price, reason = p.TakeProfit, CloseByTakeProf
		case p.Side == broker.Short && p.TakeProfit > 0 && c.Low+spread <= p.TakeProfit:
			price, reason = p.TakeProfit, CloseByTakeProf
		default:
			remaining = append(remaining, p)
			continue
		}
		b.settle(p, price, reason)
	}
	b.positions = remaining
}

func (b *Broker) settle(p broker.Position, price float64, reason CloseReason) {
	profit := b.profitAt(p, price)
	fee := b.fee(p.Lots, price)
	b.balance += profit - fee
	b.closed = append(b.closed, ClosedTrade{
		Ticket:     p.Ticket,
		Side:       p.Side,
		Lots:       p.Lots,
		OpenPrice:  p.OpenPrice,
		ClosePrice: price,
		OpenTime:   p.OpenTime,
		CloseTime:  b.now,
		Profit:     profit,
		Fee:        fee,
		Reason:     reason,
	})
	logger.Debugf("[paper] 平仓 #%d %s %.2f @%.5f pnl=%.2f (%s)", p.Ticket, p.Side, p.Lots, price, profit, reason)
}

func (b *Broker) profitAt(p broker.Position, price float64) float64 {
	diff := price - p.OpenPrice
	if p.Side == broker.Short {
		diff = p.OpenPrice - price
	}
	return diff / b.cfg.Point * b.cfg.PointValue * p.Lots
}

// unrealized 以当前买卖价估算浮动盈亏：多头看 bid，空头看 ask。
func (b *Broker) unrealized(p broker.Position, bid, ask float64) float64 {
	if p.Side == broker.Long {
		return b.profitAt(p, bid)
	}
	return b.profitAt(p, ask)
}

func (b *Broker) fee(lots, price float64) float64 {
	return lots * b.cfg.ContractSize * price * b.cfg.FeeRate
}

// Open 以当前盘口成交：多头吃 ask，空头吃 bid。
func (b *Broker) Open(_ context.Context, order broker.OpenOrder) (broker.Ticket, error) {
	if order.Lots <= 0 {
		return 0, fmt.Errorf("paper: 手数必须为正")
	}
	price := b.bar.Quote.Ask
	if order.Side == broker.Short {
		price = b.bar.Quote.Bid
	}
	if price <= 0 {
		return 0, fmt.Errorf("paper: 尚无行情，不能开仓")
	}
	b.nextTicket++
	fee := b.fee(order.Lots, price)
	b.balance -= fee
	pos := broker.Position{
		Ticket:      b.nextTicket,
		Symbol:      b.cfg.Symbol,
		StrategyTag: order.Tag,
		Side:        order.Side,
		Lots:        order.Lots,
		OpenPrice:   price,
		OpenTime:    b.now,
		StopLoss:    order.StopLoss,
		TakeProfit:  order.TakeProfit,
	}
	pos.Profit = b.unrealized(pos, b.bar.Quote.Bid, b.bar.Quote.Ask)
	b.positions = append(b.positions, pos)
	return pos.Ticket, nil
}

// CloseTicket 平掉指定持仓；票据不存在视为无操作成功。
func (b *Broker) CloseTicket(_ context.Context, ticket broker.Ticket) error {
	for i, p := range b.positions {
		if p.Ticket != ticket {
			continue
		}
		price := b.bar.Quote.Bid
		if p.Side == broker.Short {
			price = b.bar.Quote.Ask
		}
		b.positions = append(b.positions[:i], b.positions[i+1:]...)
		b.settle(p, price, CloseByEngine)
		return nil
	}
	return nil
}

// CloseAll 平掉全部持仓；空仓是无操作成功。
func (b *Broker) CloseAll(ctx context.Context) error {
	for len(b.positions) > 0 {
		if err := b.CloseTicket(ctx, b.positions[0].Ticket); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) ListOpen(context.Context) ([]broker.Position, error) {
	out := make([]broker.Position, len(b.positions))
	copy(out, b.positions)
	return out, nil
}

func (b *Broker) Bar(context.Context) (broker.BarInputs, bool) {
	return b.bar, b.ready
}

func (b *Broker) Account(context.Context) broker.AccountInfo {
	return broker.AccountInfo{Equity: b.Equity(), MarginLevelPct: b.marginLevel()}
}

func (b *Broker) Lots() broker.LotConstraints {
	return broker.LotConstraints{
		Step:          b.cfg.LotStep,
		Min:           b.cfg.MinLot,
		Max:           b.cfg.MaxLot,
		PerPointValue: b.cfg.PointValue,
	}
}

func (b *Broker) Balance() float64 { return b.balance }

func (b *Broker) Equity() float64 {
	equity := b.balance
	for _, p := range b.positions {
		equity += p.Profit
	}
	return equity
}

// marginLevel 权益/占用保证金×100；无持仓时返回一个足够大的安全值。
func (b *Broker) marginLevel() float64 {
	used := 0.0
	for _, p := range b.positions {
		used += p.Lots * b.cfg.ContractSize * p.OpenPrice / float64(b.cfg.Leverage)
	}
	if used <= 0 {
		return 100000
	}
	return b.Equity() / used * 100
}

func (b *Broker) ClosedTrades() []ClosedTrade {
	out := make([]ClosedTrade, len(b.closed))
	copy(out, b.closed)
	return out
}

func (b *Broker) OpenCount() int { return len(b.positions) }
