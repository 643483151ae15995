// Package live 把实时行情源接到引擎上：预热指标历史，
// 逐根消费已收盘 K 线并落库每根的裁决结果。
// 执行端口由调用方注入，影子运行时用模拟经纪端即可。
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gridhelm/internal/broker"
	"gridhelm/internal/broker/paper"
	"gridhelm/internal/config"
	"gridhelm/internal/engine"
	"gridhelm/internal/logger"
	"gridhelm/internal/market"
	"gridhelm/internal/market/indicator"
	"gridhelm/internal/news"
	"gridhelm/internal/notifier"
	"gridhelm/internal/store"
)

// Options 控制实时循环的数据面参数。
type Options struct {
	Symbol     string
	Interval   string
	WarmupBars int // 预热历史根数；0 = 按指标周期推算
}

// Loop 是单品种的实时推演循环。
type Loop struct {
	cfg     *config.Config
	opts    Options
	source  market.Source
	results *store.Store
	filter  broker.NewsFilter
	notify  notifier.TextNotifier

	runID string
}

// New 装配实时循环。results、newsFilter 与 notify 均可为 nil。
func New(cfg *config.Config, source market.Source, results *store.Store, newsFilter broker.NewsFilter, notify notifier.TextNotifier) (*Loop, error) {
	if cfg == nil || source == nil {
		return nil, fmt.Errorf("live: cfg/source 不能为空")
	}
	opts := Options{
		Symbol:     cfg.Instrument.Symbol,
		Interval:   cfg.Backtest.Timeframe,
		WarmupBars: cfg.Backtest.LookbackBars,
	}
	if opts.Interval == "" {
		opts.Interval = "1h"
	}
	need := cfg.Regime.MAPeriod
	if cfg.Regime.ATRPeriod+1 > need {
		need = cfg.Regime.ATRPeriod + 1
	}
	if opts.WarmupBars < need+1 {
		opts.WarmupBars = need + 1
	}
	if notify == nil {
		notify = notifier.Nop{}
	}
	if newsFilter == nil {
		newsFilter = news.Never{}
	}
	return &Loop{
		cfg:     cfg,
		opts:    opts,
		source:  source,
		results: results,
		filter:  newsFilter,
		notify:  notify,
	}, nil
}

// RunID 返回本次实时运行的记录 ID（Run 启动后可用）。
func (l *Loop) RunID() string { return l.runID }

// Run 阻塞运行：预热 → 订阅 → 逐根裁决，直到 ctx 取消或行情流关闭。
func (l *Loop) Run(ctx context.Context) error {
	if info, err := l.source.InstrumentInfo(ctx, l.opts.Symbol); err != nil {
		logger.Warnf("[live] 读取交易规则失败: %v", err)
	} else {
		logger.Infof("[live] %s 规则: tick=%.8f lot_step=%.4f lot=[%.4f,%.4f]",
			info.Symbol, info.TickSize, info.LotStep, info.MinLot, info.MaxLot)
	}

	history, err := l.source.FetchHistory(ctx, l.opts.Symbol, l.opts.Interval, l.opts.WarmupBars)
	if err != nil {
		return fmt.Errorf("预热历史拉取失败: %w", err)
	}
	if len(history) < l.opts.WarmupBars {
		return fmt.Errorf("预热历史不足: 需要 %d 根，仅有 %d 根", l.opts.WarmupBars, len(history))
	}

	sim, err := paper.New(paper.Config{
		Symbol:        l.opts.Symbol,
		Tag:           l.cfg.Instrument.StrategyTag,
		Point:         l.cfg.Instrument.Point,
		PointValue:    l.cfg.Instrument.PointValue,
		LotStep:       l.cfg.Instrument.LotStep,
		MinLot:        l.cfg.Instrument.MinLot,
		MaxLot:        l.cfg.Instrument.MaxLot,
		ContractSize:  l.cfg.Instrument.ContractSize,
		SpreadPoints:  l.cfg.Backtest.SpreadPoints,
		FeeRate:       l.cfg.Backtest.FeeRate,
		InitialEquity: l.cfg.Backtest.InitialEquity,
		Leverage:      l.cfg.Backtest.Leverage,
	})
	if err != nil {
		return err
	}
	disp := engine.New(l.cfg, engine.Deps{
		Executor:  sim,
		Positions: sim,
		Feed:      sim,
		News:      l.filter,
	}, sim.Equity())

	l.runID = uuid.NewString()
	if l.results != nil {
		now := time.Now().Unix()
		err := l.results.InsertRun(ctx, store.RunModel{
			ID:            l.runID,
			Mode:          "live",
			Symbol:        l.opts.Symbol,
			Timeframe:     l.opts.Interval,
			Status:        store.RunStatusRunning,
			InitialEquity: sim.Equity(),
			CreatedAtUnix: now,
			UpdatedAtUnix: now,
		})
		if err != nil {
			return err
		}
	}

	events, err := l.source.Subscribe(ctx, l.opts.Symbol, l.opts.Interval, market.SubscribeOptions{
		Buffer: 16,
		OnDisconnect: func(err error) {
			logger.Warnf("[live] 行情断线: %v", err)
		},
	})
	if err != nil {
		return fmt.Errorf("订阅失败: %w", err)
	}
	logger.Infof("[live] 循环启动: %s %s，预热 %d 根", l.opts.Symbol, l.opts.Interval, len(history))

	window := history
	maxWindow := l.opts.WarmupBars * 2
	for {
		select {
		case <-ctx.Done():
			return l.finish(sim, "ctx 取消")
		case ev, ok := <-events:
			if !ok {
				return l.finish(sim, "行情流关闭")
			}
			window = append(window, ev.Candle)
			if len(window) > maxWindow {
				window = window[len(window)-l.opts.WarmupBars:]
			}
			l.onBar(ctx, disp, sim, window)
		}
	}
}

func (l *Loop) onBar(ctx context.Context, disp *engine.Dispatcher, sim *paper.Broker, window []market.Candle) {
	series, err := indicator.Compute(window, indicator.Settings{
		MAPeriod:  l.cfg.Regime.MAPeriod,
		ATRPeriod: l.cfg.Regime.ATRPeriod,
	})
	if err != nil {
		logger.Warnf("[live] 指标计算失败: %v", err)
		return
	}
	i := len(window) - 1
	bv, ready := series.At(window, i)
	sim.Advance(window[i], bv.MA, bv.MAPrev, bv.ATR, ready)

	result, err := disp.OnBar(ctx)
	if err != nil {
		logger.Errorf("[live] 裁决失败: %v", err)
		return
	}
	logger.Infof("[live] bar=%s state=%s action=%s equity=%.2f",
		result.BarTime.UTC().Format("01-02 15:04"), result.State, result.Action, sim.Equity())

	if l.results != nil {
		detail, _ := json.Marshal(map[string]any{
			"skipped":   result.Skipped,
			"trend":     result.Regime.IsTrend,
			"trend_dir": result.Regime.TrendDir,
			"closed":    result.Closed,
			"opened":    result.Opened,
		})
		err := l.results.AppendActions(ctx, []store.BarActionModel{{
			RunID:         l.runID,
			BarTS:         window[i].CloseTime,
			State:         result.State.String(),
			Action:        result.Action.String(),
			Equity:        sim.Equity(),
			SoftLock:      result.SoftLock,
			ForcedLiq:     result.ForcedLiq,
			DetailJSON:    datatypes.JSON(detail),
			CreatedAtUnix: time.Now().Unix(),
		}})
		if err != nil {
			logger.Warnf("[live] 动作落库失败: %v", err)
		}
	}

	if result.Action == engine.ActionFlatten {
		text := fmt.Sprintf("⚠️ 硬止损触发 %s\n时间: %s\n权益: %.2f，已全部平仓并进入冷却",
			l.opts.Symbol, result.BarTime.UTC().Format(time.RFC3339), sim.Equity())
		if err := l.notify.Notify(ctx, text); err != nil {
			logger.Warnf("[live] 通知发送失败: %v", err)
		}
	}
}

func (l *Loop) finish(sim *paper.Broker, reason string) error {
	logger.Infof("[live] 循环退出: %s，最终权益 %.2f", reason, sim.Equity())
	if l.results != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stats := map[string]any{
			"final_equity": sim.Equity(),
			"trades":       len(sim.ClosedTrades()),
			"open_at_end":  sim.OpenCount(),
			"reason":       reason,
		}
		if err := l.results.FinishRun(ctx, l.runID, store.RunStatusDone, sim.Equity(), stats); err != nil {
			logger.Warnf("[live] 收尾落库失败: %v", err)
		}
	}
	return nil
}
