package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"gridhelm/internal/broker/paper"
	"gridhelm/internal/store"
)

func sampleCurve(n int) []store.EquityPoint {
	out := make([]store.EquityPoint, n)
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	equity := 10000.0
	for i := range out {
		if i%3 == 2 {
			equity -= 40
		} else {
			equity += 25
		}
		out[i] = store.EquityPoint{BarTS: base + int64(i)*3_600_000, Equity: equity}
	}
	return out
}

func TestRenderWritesHTML(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{OutDir: dir})
	require.NoError(t, err)

	run := store.RunModel{
		ID:            "run-report-1",
		Symbol:        "EURUSD",
		Timeframe:     "1h",
		InitialEquity: 10000,
		FinalEquity:   10120,
		StatsJSON:     datatypes.JSON(`{"return_pct":1.2,"max_drawdown_pct":0.8,"trades":6}`),
	}
	trades := []paper.ClosedTrade{
		{Ticket: 1, Profit: 35.5, CloseTime: time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)},
		{Ticket: 2, Profit: -12.0, CloseTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}

	path, err := r.Render(context.Background(), run, sampleCurve(24), trades)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-report-1.html"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "权益曲线")
	assert.Contains(t, html, "逐笔盈亏")
	assert.True(t, strings.Contains(html, "Drawdown"))
}

func TestRenderRejectsEmptyCurve(t *testing.T) {
	r, err := New(Config{OutDir: t.TempDir()})
	require.NoError(t, err)
	_, err = r.Render(context.Background(), store.RunModel{ID: "x"}, nil, nil)
	assert.Error(t, err)
}

func TestNewRequiresOutDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
