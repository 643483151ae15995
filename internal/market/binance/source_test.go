package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exchangeInfoPayload = `{
  "symbols": [
    {
      "symbol": "EURUSDT",
      "filters": [
        {"filterType": "PRICE_FILTER", "tickSize": "0.00001", "minPrice": "0.1"},
        {"filterType": "LOT_SIZE", "stepSize": "1", "minQty": "1", "maxQty": "500000"},
        {"filterType": "MARKET_LOT_SIZE", "stepSize": "1"}
      ]
    }
  ]
}`

func TestSource_InstrumentInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		_, _ = w.Write([]byte(exchangeInfoPayload))
	}))
	defer srv.Close()

	s, err := New(Config{RESTBaseURL: srv.URL})
	require.NoError(t, err)

	info, err := s.InstrumentInfo(context.Background(), "eur/usdt")
	require.NoError(t, err)
	assert.Equal(t, "EURUSDT", info.Symbol)
	assert.InDelta(t, 0.00001, info.TickSize, 1e-12)
	assert.InDelta(t, 1, info.LotStep, 1e-9)
	assert.InDelta(t, 500000, info.MaxLot, 1e-9)

	t.Run("Unknown Symbol", func(t *testing.T) {
		_, err := s.InstrumentInfo(context.Background(), "GBPUSDT")
		assert.Error(t, err)
	})
}

func TestConvertKlineEvent(t *testing.T) {
	ev := &futures.WsKlineEvent{
		Symbol: "eurusdt",
		Kline: futures.WsKline{
			StartTime: 1000,
			EndTime:   1999,
			Interval:  "1H",
			Open:      "1.1000",
			High:      "1.1010",
			Low:       "1.0990",
			Close:     "1.1005",
			Volume:    "123.5",
			IsFinal:   true,
		},
	}
	ce, ok := convertKlineEvent(ev)
	require.True(t, ok)
	assert.Equal(t, "EURUSDT", ce.Symbol)
	assert.Equal(t, "1h", ce.Interval)
	assert.InDelta(t, 1.1005, ce.Candle.Close, 1e-9)

	ev.Kline.IsFinal = false
	_, ok = convertKlineEvent(ev)
	assert.False(t, ok, "未收盘的 K 线不转发")

	_, ok = convertKlineEvent(nil)
	assert.False(t, ok)
}
