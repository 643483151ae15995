package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gridhelm/internal/broker/paper"
	"gridhelm/internal/config"
	"gridhelm/internal/engine"
	"gridhelm/internal/logger"
	"gridhelm/internal/market/indicator"
	"gridhelm/internal/news"
	"gridhelm/internal/store"
)

// RunRequest 描述一次回测请求。
type RunRequest struct {
	Exchange      string  `json:"exchange"`
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	Start         int64   `json:"start"` // Unix ms
	End           int64   `json:"end"`   // Unix ms
	InitialEquity float64 `json:"initial_equity"` // 0 = 取配置默认
}

// RunStats 是一次回测的汇总指标，序列化进 runs.stats_json。
type RunStats struct {
	FinalEquity    float64 `json:"final_equity"`
	ReturnPct      float64 `json:"return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Bars           int     `json:"bars"`
	SkippedBars    int     `json:"skipped_bars"`
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	WinRate        float64 `json:"win_rate"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	TotalFees      float64 `json:"total_fees"`
	OpenAtEnd      int     `json:"open_at_end"`
}

// Reporter 渲染一次已完成回测的图表产物，返回产物路径。
type Reporter interface {
	Render(ctx context.Context, run store.RunModel, curve []store.EquityPoint, trades []paper.ClosedTrade) (string, error)
}

// Notifier 推送回测完成摘要。
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Runner 驱动完整的回测流程：补数据、算指标、逐根推演引擎并落库。
type Runner struct {
	cfg     *config.Config
	candles *CandleStore
	results *store.Store
	svc     *Service

	reporter Reporter
	notifier Notifier

	sem     chan struct{}
	baseCtx context.Context
}

func NewRunner(cfg *config.Config, candles *CandleStore, results *store.Store, svc *Service) (*Runner, error) {
	if cfg == nil || candles == nil || results == nil || svc == nil {
		return nil, fmt.Errorf("runner 依赖不完整")
	}
	maxConcurrent := cfg.Backtest.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		cfg:     cfg,
		candles: candles,
		results: results,
		svc:     svc,
		sem:     make(chan struct{}, maxConcurrent),
		baseCtx: context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于取消后台回测。
func (r *Runner) SetContext(ctx context.Context) {
	if ctx != nil {
		r.baseCtx = ctx
	}
}

func (r *Runner) SetReporter(rep Reporter) { r.reporter = rep }
func (r *Runner) SetNotifier(n Notifier)   { r.notifier = n }

// StartRun 登记一次回测并在后台执行，立即返回 run 记录。
func (r *Runner) StartRun(req RunRequest) (store.RunModel, error) {
	if req.Symbol == "" {
		req.Symbol = r.cfg.Instrument.Symbol
	}
	if req.Timeframe == "" {
		req.Timeframe = r.cfg.Backtest.Timeframe
	}
	tf, err := ParseTimeframe(req.Timeframe)
	if err != nil {
		return store.RunModel{}, err
	}
	start, end := tf.AlignRange(req.Start, req.End)
	if start <= 0 || start == end {
		return store.RunModel{}, fmt.Errorf("start/end 需要构成有效区间")
	}
	req.Start = start
	req.End = end
	if req.InitialEquity <= 0 {
		req.InitialEquity = r.cfg.Backtest.InitialEquity
	}
	if req.InitialEquity <= 0 {
		return store.RunModel{}, fmt.Errorf("initial_equity 必须为正")
	}

	cfgJSON, err := json.Marshal(req)
	if err != nil {
		return store.RunModel{}, err
	}
	now := time.Now().Unix()
	run := store.RunModel{
		ID:            uuid.NewString(),
		Mode:          "backtest",
		Symbol:        req.Symbol,
		Timeframe:     tf.Key,
		Status:        store.RunStatusPending,
		StartTS:       req.Start,
		EndTS:         req.End,
		InitialEquity: req.InitialEquity,
		ConfigJSON:    datatypes.JSON(cfgJSON),
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
	if err := r.results.InsertRun(r.baseCtx, run); err != nil {
		return store.RunModel{}, err
	}
	go r.execute(run.ID, req, tf)
	return run, nil
}

func (r *Runner) execute(runID string, req RunRequest, tf Timeframe) {
	select {
	case r.sem <- struct{}{}:
	case <-r.baseCtx.Done():
		_ = r.results.UpdateRunStatus(context.Background(), runID, store.RunStatusFailed, "服务已关闭")
		return
	}
	defer func() { <-r.sem }()

	ctx := r.baseCtx
	fail := func(msg string) {
		logger.Errorf("[backtest] 回测 %s 失败: %s", runID, msg)
		_ = r.results.UpdateRunStatus(ctx, runID, store.RunStatusFailed, msg)
	}

	if err := r.results.UpdateRunStatus(ctx, runID, store.RunStatusRunning, ""); err != nil {
		logger.Warnf("[backtest] 更新状态失败: %v", err)
	}

	// 评估窗口之前需要一段预热历史，供均线/ATR 收敛。
	warmup := r.cfg.Regime.MAPeriod
	if r.cfg.Regime.ATRPeriod+1 > warmup {
		warmup = r.cfg.Regime.ATRPeriod + 1
	}
	if r.cfg.Backtest.LookbackBars > warmup {
		warmup = r.cfg.Backtest.LookbackBars
	}
	loadStart := req.Start - int64(warmup+1)*tf.durationMillis()

	if err := r.svc.EnsureRange(ctx, req.Exchange, req.Symbol, tf.Key, loadStart, req.End); err != nil {
		fail(err.Error())
		return
	}
	candles, err := r.candles.RangeCandles(ctx, req.Symbol, tf.Key, loadStart, req.End)
	if err != nil {
		fail(err.Error())
		return
	}
	series, err := indicator.Compute(candles, indicator.Settings{
		MAPeriod:  r.cfg.Regime.MAPeriod,
		ATRPeriod: r.cfg.Regime.ATRPeriod,
	})
	if err != nil {
		fail(err.Error())
		return
	}

	sim, err := paper.New(paper.Config{
		Symbol:        req.Symbol,
		Tag:           r.cfg.Instrument.StrategyTag,
		Point:         r.cfg.Instrument.Point,
		PointValue:    r.cfg.Instrument.PointValue,
		LotStep:       r.cfg.Instrument.LotStep,
		MinLot:        r.cfg.Instrument.MinLot,
		MaxLot:        r.cfg.Instrument.MaxLot,
		ContractSize:  r.cfg.Instrument.ContractSize,
		SpreadPoints:  r.cfg.Backtest.SpreadPoints,
		FeeRate:       r.cfg.Backtest.FeeRate,
		InitialEquity: req.InitialEquity,
		Leverage:      r.cfg.Backtest.Leverage,
	})
	if err != nil {
		fail(err.Error())
		return
	}
	disp := engine.New(r.cfg, engine.Deps{
		Executor:  sim,
		Positions: sim,
		Feed:      sim,
		News:      news.Never{},
	}, req.InitialEquity)

	var (
		batch    []store.BarActionModel
		stats    RunStats
		peak     = req.InitialEquity
		maxDD    float64
		lastTime int64
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.results.AppendActions(ctx, batch)
		batch = batch[:0]
		return err
	}

	logger.Infof("[backtest] 回测 %s 开始：%s %s，K 线 %d 根（含预热）", runID, req.Symbol, tf.Key, len(candles))
	for i := range candles {
		if candles[i].OpenTime < req.Start {
			continue
		}
		if err := ctx.Err(); err != nil {
			fail(err.Error())
			return
		}
		bv, ready := series.At(candles, i)
		sim.Advance(candles[i], bv.MA, bv.MAPrev, bv.ATR, ready)

		result, err := disp.OnBar(ctx)
		if err != nil {
			fail(fmt.Sprintf("第 %d 根裁决失败: %v", i, err))
			return
		}
		stats.Bars++
		if result.Skipped {
			stats.SkippedBars++
		}
		equity := sim.Equity()
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
		lastTime = candles[i].CloseTime

		detail, _ := json.Marshal(map[string]any{
			"skipped":    result.Skipped,
			"trend":      result.Regime.IsTrend,
			"trend_dir":  result.Regime.TrendDir,
			"bias":       result.Regime.Bias,
			"closed":     result.Closed,
			"opened":     result.Opened,
			"open_count": sim.OpenCount(),
		})
		batch = append(batch, store.BarActionModel{
			RunID:         runID,
			BarTS:         candles[i].CloseTime,
			State:         result.State.String(),
			Action:        result.Action.String(),
			Equity:        equity,
			SoftLock:      result.SoftLock,
			ForcedLiq:     result.ForcedLiq,
			DetailJSON:    datatypes.JSON(detail),
			CreatedAtUnix: time.Now().Unix(),
		})
		if len(batch) >= 200 {
			if err := flush(); err != nil {
				fail("写入动作流水失败: " + err.Error())
				return
			}
		}
	}
	if err := flush(); err != nil {
		fail("写入动作流水失败: " + err.Error())
		return
	}

	stats.FinalEquity = sim.Equity()
	stats.ReturnPct = (stats.FinalEquity - req.InitialEquity) / req.InitialEquity * 100
	stats.MaxDrawdownPct = maxDD * 100
	stats.OpenAtEnd = sim.OpenCount()
	for _, t := range sim.ClosedTrades() {
		stats.Trades++
		stats.TotalFees += t.Fee
		if t.Profit > 0 {
			stats.Wins++
			stats.GrossProfit += t.Profit
		} else {
			stats.GrossLoss += -t.Profit
		}
	}
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades) * 100
	}
	if stats.GrossLoss > 0 {
		stats.ProfitFactor = stats.GrossProfit / stats.GrossLoss
	}

	if err := r.results.FinishRun(ctx, runID, store.RunStatusDone, stats.FinalEquity, stats); err != nil {
		fail("落盘结果失败: " + err.Error())
		return
	}
	logger.Infof("[backtest] 回测 %s 完成：权益 %.2f → %.2f，最大回撤 %.2f%%，交易 %d 笔",
		runID, req.InitialEquity, stats.FinalEquity, stats.MaxDrawdownPct, stats.Trades)

	r.postRun(ctx, runID, req, tf, stats, sim.ClosedTrades(), lastTime)
}

// postRun 渲染报告并推送摘要，失败只告警不影响回测结果。
func (r *Runner) postRun(ctx context.Context, runID string, req RunRequest, tf Timeframe,
	stats RunStats, trades []paper.ClosedTrade, lastTime int64) {
	if r.reporter != nil {
		run, err := r.results.GetRun(ctx, runID)
		if err == nil {
			curve, cerr := r.results.EquityCurve(ctx, runID)
			if cerr == nil {
				if path, rerr := r.reporter.Render(ctx, run, curve, trades); rerr != nil {
					logger.Warnf("[backtest] 报告渲染失败: %v", rerr)
				} else if path != "" {
					logger.Infof("[backtest] 报告已生成: %s", path)
				}
			}
		}
	}
	if r.notifier != nil {
		text := fmt.Sprintf("回测完成 %s %s\n区间: %s ~ %s\n收益: %.2f%%  最大回撤: %.2f%%\n交易: %d 笔  胜率: %.1f%%",
			req.Symbol, tf.Key,
			time.UnixMilli(req.Start).UTC().Format("2006-01-02"),
			time.UnixMilli(lastTime).UTC().Format("2006-01-02"),
			stats.ReturnPct, stats.MaxDrawdownPct, stats.Trades, stats.WinRate)
		if err := r.notifier.Notify(ctx, text); err != nil {
			logger.Warnf("[backtest] 通知发送失败: %v", err)
		}
	}
}
