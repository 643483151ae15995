// Package indicator 基于 go-talib 计算引擎所需的均线/波动率序列。
package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"gridhelm/internal/market"
)

// Settings 描述指标参数。
type Settings struct {
	MAPeriod  int
	ATRPeriod int
}

// Series 按 K 线下标对齐保存 SMA 与 ATR；未就绪的位置为 NaN。
type Series struct {
	MA  []float64
	ATR []float64
}

// BarValue 是单根已收盘 K 线对应的指标读数。
type BarValue struct {
	Close  float64
	MA     float64
	MAPrev float64
	ATR    float64
}

// Compute 对整段历史一次性计算序列。K 线必须按时间升序。
func Compute(candles []market.Candle, cfg Settings) (Series, error) {
	if cfg.MAPeriod <= 1 {
		cfg.MAPeriod = 50
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	need := cfg.MAPeriod
	if cfg.ATRPeriod+1 > need {
		need = cfg.ATRPeriod + 1
	}
	if len(candles) < need {
		return Series{}, fmt.Errorf("candles insufficient: have %d, need %d", len(candles), need)
	}
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	ma := markUnready(talib.Sma(closes, cfg.MAPeriod), cfg.MAPeriod-1)
	atr := markUnready(talib.Atr(highs, lows, closes, cfg.ATRPeriod), cfg.ATRPeriod)
	return Series{MA: ma, ATR: atr}, nil
}

// At 返回第 i 根（已收盘）K 线的指标读数；依赖值未就绪时返回 false。
func (s Series) At(candles []market.Candle, i int) (BarValue, bool) {
	if i <= 0 || i >= len(candles) || i >= len(s.MA) || i >= len(s.ATR) {
		return BarValue{}, false
	}
	v := BarValue{
		Close:  candles[i].Close,
		MA:     s.MA[i],
		MAPrev: s.MA[i-1],
		ATR:    s.ATR[i],
	}
	if math.IsNaN(v.MA) || math.IsNaN(v.MAPrev) || math.IsNaN(v.ATR) {
		return BarValue{}, false
	}
	if v.ATR <= 0 {
		return BarValue{}, false
	}
	return v, true
}

// markUnready 把 talib 输出中前导的零填充段标记为 NaN，避免被当作有效读数。
func markUnready(series []float64, warmup int) []float64 {
	out := make([]float64, len(series))
	copy(out, series)
	if warmup > len(out) {
		warmup = len(out)
	}
	for i := 0; i < warmup; i++ {
		out[i] = math.NaN()
	}
	return out
}
