package engine

import (
	"fmt"
	"time"

	"gridhelm/internal/broker"
)

// RiskParams 汇集多时段回撤阈值、冷却时长与准入门槛。
type RiskParams struct {
	SoftDDPct         float64
	HardDDPct         float64
	DailyLossPct      float64
	WeeklyLossPct     float64
	SoftCooldownHours float64
	HardCooldownHours float64
	MinMarginLevelPct float64
	MaxSpreadPoints   float64
	RiskPerTradePct   float64
}

// RiskBaselines 是三个时段的权益基线加冷却时钟。
// cooldownUntil 只会前移，软锁延长取 max，硬停无条件重设。
type RiskBaselines struct {
	SessionStartEquity float64
	DayStartEquity     float64
	WeekStartEquity    float64
	LastDayKey         string
	LastWeekKey        string
	CooldownUntil      time.Time
}

// RiskGuard 负责会话/日/周三个口径的回撤追踪、
// 保证金与点差准入，以及单调冷却时钟。
type RiskGuard struct {
	params    RiskParams
	baselines RiskBaselines

	equity       float64
	marginLevel  float64
	spreadPoints float64
}

// NewRiskGuard 以当前权益初始化全部基线。
func NewRiskGuard(params RiskParams, equity float64) *RiskGuard {
	return &RiskGuard{
		params: params,
		baselines: RiskBaselines{
			SessionStartEquity: equity,
			DayStartEquity:     equity,
			WeekStartEquity:    equity,
		},
		equity: equity,
	}
}

func (g *RiskGuard) Baselines() RiskBaselines {
	return g.baselines
}

func (g *RiskGuard) Params() RiskParams {
	return g.params
}

// UpdateAccount 在每根 K 线开始时写入最新账户读数。
func (g *RiskGuard) UpdateAccount(acct broker.AccountInfo, spreadPoints float64) {
	g.equity = acct.Equity
	g.marginLevel = acct.MarginLevelPct
	g.spreadPoints = spreadPoints
}

// OnNewBar 根据 K 线日期推进日/周基线。键变化时只重置对应基线。
// 日键取 UTC 日期，周键取 ISO 年-周。
func (g *RiskGuard) OnNewBar(barTime time.Time) {
	utc := barTime.UTC()
	dayKey := utc.Format("2006-01-02")
	year, week := utc.ISOWeek()
	weekKey := fmt.Sprintf("%04d-W%02d", year, week)

	if g.baselines.LastDayKey == "" {
		g.baselines.LastDayKey = dayKey
		g.baselines.LastWeekKey = weekKey
		return
	}
	if dayKey != g.baselines.LastDayKey {
		g.baselines.LastDayKey = dayKey
		g.baselines.DayStartEquity = g.equity
	}
	if weekKey != g.baselines.LastWeekKey {
		g.baselines.LastWeekKey = weekKey
		g.baselines.WeekStartEquity = g.equity
	}
}

func drawdownRatio(baseline, equity float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return (baseline - equity) / baseline
}

// HardStopTriggered 会话口径回撤触线，或保证金水平失效/过低。
func (g *RiskGuard) HardStopTriggered() bool {
	if drawdownRatio(g.baselines.SessionStartEquity, g.equity) >= g.params.HardDDPct {
		return true
	}
	return g.marginLevel <= 0 || g.marginLevel < g.params.MinMarginLevelPct
}

// SoftLockActive 任一时段回撤达到各自软阈值即生效。
func (g *RiskGuard) SoftLockActive() bool {
	return drawdownRatio(g.baselines.SessionStartEquity, g.equity) >= g.params.SoftDDPct ||
		drawdownRatio(g.baselines.DayStartEquity, g.equity) >= g.params.DailyLossPct ||
		drawdownRatio(g.baselines.WeekStartEquity, g.equity) >= g.params.WeeklyLossPct
}

// SetHardCooldown 无条件把冷却终点重设为 now + hours。
func (g *RiskGuard) SetHardCooldown(now time.Time, hours float64) {
	g.baselines.CooldownUntil = now.Add(time.Duration(hours * float64(time.Hour)))
}

// SetSoftCooldown 只允许把冷却终点往后推，绝不缩短。
func (g *RiskGuard) SetSoftCooldown(now time.Time, hours float64) {
	candidate := now.Add(time.Duration(hours * float64(time.Hour)))
	if candidate.After(g.baselines.CooldownUntil) {
		g.baselines.CooldownUntil = candidate
	}
}

func (g *RiskGuard) IsInCooldown(now time.Time) bool {
	return now.Before(g.baselines.CooldownUntil)
}

func (g *RiskGuard) IsSpreadOk() bool {
	return g.spreadPoints <= g.params.MaxSpreadPoints
}

func (g *RiskGuard) IsMarginOk() bool {
	return g.marginLevel > 0 && g.marginLevel >= g.params.MinMarginLevelPct
}

// CalcLotsByRisk 按止损距离反推手数：equity×riskPct / (stopPoints×每点价值)，
// 向下取整到手数步进再夹到 [min,max]。输入非法时返回 0 表示无可用手数。
func (g *RiskGuard) CalcLotsByRisk(stopDistancePoints, riskPct float64, lc broker.LotConstraints) float64 {
	if stopDistancePoints <= 0 || riskPct <= 0 || lc.PerPointValue <= 0 || g.equity <= 0 {
		return 0
	}
	lots := g.equity * riskPct / (stopDistancePoints * lc.PerPointValue)
	if lc.Step > 0 {
		lots = floorToStep(lots, lc.Step)
	}
	if lots < lc.Min {
		lots = lc.Min
	}
	if lc.Max > 0 && lots > lc.Max {
		lots = lc.Max
	}
	return lots
}
