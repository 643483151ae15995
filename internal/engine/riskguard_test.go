package engine

import (
	"testing"
	"time"

	"gridhelm/internal/broker"

	"github.com/stretchr/testify/assert"
)

func testRiskParams() RiskParams {
	return RiskParams{
		SoftDDPct:         0.08,
		HardDDPct:         0.20,
		DailyLossPct:      0.05,
		WeeklyLossPct:     0.10,
		SoftCooldownHours: 4,
		HardCooldownHours: 24,
		MinMarginLevelPct: 200,
		MaxSpreadPoints:   30,
		RiskPerTradePct:   0.005,
	}
}

func acct(equity, margin float64) broker.AccountInfo {
	return broker.AccountInfo{Equity: equity, MarginLevelPct: margin}
}

func TestRiskGuard_Baselines(t *testing.T) {
	g := NewRiskGuard(testRiskParams(), 10000)
	// 2026-03-06 是周五，03-09 是下一周的周一
	friday := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	g.UpdateAccount(acct(10000, 1000), 10)
	g.OnNewBar(friday)

	g.UpdateAccount(acct(9500, 1000), 10)
	g.OnNewBar(friday.Add(time.Hour))
	b := g.Baselines()
	assert.InDelta(t, 10000, b.DayStartEquity, 1e-9, "同日不重置")
	assert.InDelta(t, 10000, b.WeekStartEquity, 1e-9)

	// 跨日：只重置日基线
	g.OnNewBar(friday.Add(24 * time.Hour))
	b = g.Baselines()
	assert.InDelta(t, 9500, b.DayStartEquity, 1e-9)
	assert.InDelta(t, 10000, b.WeekStartEquity, 1e-9, "周六仍在同一 ISO 周")

	// 跨周：周一重置周基线
	g.UpdateAccount(acct(9200, 1000), 10)
	g.OnNewBar(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))
	b = g.Baselines()
	assert.InDelta(t, 9200, b.DayStartEquity, 1e-9)
	assert.InDelta(t, 9200, b.WeekStartEquity, 1e-9)
	assert.InDelta(t, 10000, b.SessionStartEquity, 1e-9, "会话基线从不重置")
}

func TestRiskGuard_HardAndSoftTriggers(t *testing.T) {
	g := NewRiskGuard(testRiskParams(), 10000)

	g.UpdateAccount(acct(9700, 1000), 10)
	assert.False(t, g.HardStopTriggered())
	assert.False(t, g.SoftLockActive(), "回撤 3% 未到任何软阈值")

	g.UpdateAccount(acct(9500, 1000), 10)
	assert.True(t, g.SoftLockActive(), "日口径回撤 5% 触发软锁")
	assert.False(t, g.HardStopTriggered())

	g.UpdateAccount(acct(9200, 1000), 10)
	assert.True(t, g.SoftLockActive(), "会话回撤 8% 同样触发")

	g.UpdateAccount(acct(8000, 1000), 10)
	assert.True(t, g.HardStopTriggered(), "会话回撤 20% 触发硬停")

	t.Run("Margin Level", func(t *testing.T) {
		g.UpdateAccount(acct(10000, 150), 10)
		assert.True(t, g.HardStopTriggered(), "保证金水平低于下限")
		assert.False(t, g.IsMarginOk())
		g.UpdateAccount(acct(10000, 0), 10)
		assert.True(t, g.HardStopTriggered(), "读数非正视为失效")
		g.UpdateAccount(acct(10000, 500), 10)
		assert.False(t, g.HardStopTriggered())
		assert.True(t, g.IsMarginOk())
	})

	t.Run("Spread", func(t *testing.T) {
		g.UpdateAccount(acct(10000, 500), 30)
		assert.True(t, g.IsSpreadOk())
		g.UpdateAccount(acct(10000, 500), 31)
		assert.False(t, g.IsSpreadOk())
	})
}

func TestRiskGuard_CooldownMonotonic(t *testing.T) {
	g := NewRiskGuard(testRiskParams(), 10000)
	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)

	g.SetSoftCooldown(now, 4)
	assert.True(t, g.IsInCooldown(now))
	until := g.Baselines().CooldownUntil

	// 更早的软锁延长不得缩短终点
	g.SetSoftCooldown(now.Add(-2*time.Hour), 4)
	assert.Equal(t, until, g.Baselines().CooldownUntil, "软冷却只前移不回退")

	g.SetSoftCooldown(now.Add(time.Hour), 4)
	assert.Equal(t, now.Add(5*time.Hour), g.Baselines().CooldownUntil)

	// 硬停无条件重设，即使结果早于现值也照设
	g.SetHardCooldown(now, 1)
	assert.Equal(t, now.Add(time.Hour), g.Baselines().CooldownUntil)
	assert.False(t, g.IsInCooldown(now.Add(time.Hour)), "到点即解除")
}

func TestRiskGuard_CalcLotsByRisk(t *testing.T) {
	g := NewRiskGuard(testRiskParams(), 10000)
	g.UpdateAccount(acct(10000, 1000), 10)
	lc := broker.LotConstraints{Step: 0.01, Min: 0.01, Max: 50, PerPointValue: 0.1}

	// 10000×0.005 / (1600×0.1) = 0.3125 → 向下取整到 0.31
	assert.InDelta(t, 0.31, g.CalcLotsByRisk(1600, 0.005, lc), 1e-9)

	t.Run("Clamp", func(t *testing.T) {
		small := g.CalcLotsByRisk(1e7, 0.005, lc)
		assert.InDelta(t, lc.Min, small, 1e-9, "过小手数提升到最小手数")
		big := g.CalcLotsByRisk(1, 1.0, lc)
		assert.InDelta(t, lc.Max, big, 1e-9, "过大手数压到最大手数")
	})

	t.Run("Invalid Inputs", func(t *testing.T) {
		assert.Zero(t, g.CalcLotsByRisk(0, 0.005, lc))
		assert.Zero(t, g.CalcLotsByRisk(-10, 0.005, lc))
		assert.Zero(t, g.CalcLotsByRisk(1600, 0, lc))
		bad := lc
		bad.PerPointValue = 0
		assert.Zero(t, g.CalcLotsByRisk(1600, 0.005, bad))
	})
}
