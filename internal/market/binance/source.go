// Package binance 基于 go-binance SDK 实现 market.Source，
// 提供历史 K 线、收盘 K 线订阅与交易规则查询。
package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gridhelm/internal/logger"
	"gridhelm/internal/market"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/tidwall/gjson"
)

const maxHistoryLimit = 1500

type Source struct {
	cfg    Config
	client *futures.Client
	http   *http.Client

	mu           sync.Mutex
	candleCancel context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("REST 代理地址无效: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport 不是 *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{cfg: final, client: client, http: httpClient}, nil
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = cleanSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval 不能为空")
	}
	kls, err := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	// 丢掉尚未收盘的最后一根
	if len(out) > 0 && out[len(out)-1].CloseTime > time.Now().UnixMilli() {
		out = out[:len(out)-1]
	}
	return out, nil
}

// Subscribe 订阅单品种单周期，只转发已收盘的 K 线。
func (s *Source) Subscribe(ctx context.Context, symbol, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	symbol = cleanSymbol(symbol)
	interval = strings.ToLower(strings.TrimSpace(interval))
	if symbol == "" || interval == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	out := make(chan market.CandleEvent, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.candleCancel != nil {
		s.candleCancel()
	}
	s.candleCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runKlineLoop(subCtx, symbol, interval, out, opts)
	}()
	return out, nil
}

func (s *Source) runKlineLoop(ctx context.Context, symbol, interval string, out chan<- market.CandleEvent, opts market.SubscribeOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsKlineEvent) {
			ce, ok := convertKlineEvent(event)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- ce:
			default:
				logger.Warnf("[binance] K 线通道已满，丢弃 %s %s", ce.Symbol, ce.Interval)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsKlineServe(symbol, interval, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

// InstrumentInfo 从 exchangeInfo 的 filters 里抽取下单约束。
// filters 是深嵌套的异构数组，直接用 gjson 取值比强类型解码省事。
func (s *Source) InstrumentInfo(ctx context.Context, symbol string) (market.InstrumentInfo, error) {
	symbol = cleanSymbol(symbol)
	if symbol == "" {
		return market.InstrumentInfo{}, fmt.Errorf("symbol 不能为空")
	}
	endpoint := strings.TrimRight(s.cfg.RESTBaseURL, "/") + "/fapi/v1/exchangeInfo?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return market.InstrumentInfo{}, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return market.InstrumentInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return market.InstrumentInfo{}, fmt.Errorf("exchangeInfo 返回 %s", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.InstrumentInfo{}, err
	}

	entry := gjson.GetBytes(raw, fmt.Sprintf(`symbols.#(symbol=="%s")`, symbol))
	if !entry.Exists() {
		return market.InstrumentInfo{}, fmt.Errorf("exchangeInfo 中找不到 %s", symbol)
	}
	info := market.InstrumentInfo{
		Symbol:   symbol,
		TickSize: entry.Get(`filters.#(filterType=="PRICE_FILTER").tickSize`).Float(),
		LotStep:  entry.Get(`filters.#(filterType=="LOT_SIZE").stepSize`).Float(),
		MinLot:   entry.Get(`filters.#(filterType=="LOT_SIZE").minQty`).Float(),
		MaxLot:   entry.Get(`filters.#(filterType=="LOT_SIZE").maxQty`).Float(),
	}
	if info.TickSize <= 0 || info.LotStep <= 0 {
		return market.InstrumentInfo{}, fmt.Errorf("%s 的交易规则缺少必要过滤器", symbol)
	}
	return info, nil
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candleCancel != nil {
		s.candleCancel()
		s.candleCancel = nil
	}
	return nil
}

func cleanSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func convertKlineEvent(ev *futures.WsKlineEvent) (market.CandleEvent, bool) {
	if ev == nil || !ev.Kline.IsFinal {
		return market.CandleEvent{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	interval := strings.ToLower(strings.TrimSpace(ev.Kline.Interval))
	if symbol == "" || interval == "" {
		return market.CandleEvent{}, false
	}
	return market.CandleEvent{
		Symbol:   symbol,
		Interval: interval,
		Candle: market.Candle{
			OpenTime:  ev.Kline.StartTime,
			CloseTime: ev.Kline.EndTime,
			Open:      parseFloat(ev.Kline.Open),
			High:      parseFloat(ev.Kline.High),
			Low:       parseFloat(ev.Kline.Low),
			Close:     parseFloat(ev.Kline.Close),
			Volume:    parseFloat(ev.Kline.Volume),
			Trades:    ev.Kline.TradeNum,
		},
	}, true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}
