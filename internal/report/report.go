// Package report 用 go-echarts 渲染回测结果页（权益曲线、回撤、逐笔盈亏），
// 可选地通过无头浏览器截图产出 PNG。
package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/tidwall/gjson"

	"gridhelm/internal/broker/paper"
	"gridhelm/internal/logger"
	"gridhelm/internal/store"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorEquity        = "#3b82f6"
	colorDrawdown      = "#fb7185"
	colorWin           = "#34d399"
	colorLoss          = "#f87171"

	chartWidthPx    = 1600
	equityHeightPx  = 520
	ddHeightPx      = 260
	tradesHeightPx  = 320
	snapshotTimeout = 20 * time.Second
)

// Config 控制产物目录与是否渲染 PNG 截图。
type Config struct {
	OutDir         string
	RenderSnapshot bool
}

// Renderer 实现回测执行器的报告钩子。
type Renderer struct {
	cfg Config
}

func New(cfg Config) (*Renderer, error) {
	if cfg.OutDir == "" {
		return nil, fmt.Errorf("report: out_dir 不能为空")
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, err
	}
	return &Renderer{cfg: cfg}, nil
}

// Render 生成 HTML 报告并返回其路径；截图失败只告警不影响报告本身。
func (r *Renderer) Render(ctx context.Context, run store.RunModel, curve []store.EquityPoint, trades []paper.ClosedTrade) (string, error) {
	if len(curve) == 0 {
		return "", fmt.Errorf("report: 权益曲线为空")
	}
	html, err := buildPage(run, curve, trades)
	if err != nil {
		return "", err
	}
	htmlPath := filepath.Join(r.cfg.OutDir, run.ID+".html")
	if err := os.WriteFile(htmlPath, html, 0o644); err != nil {
		return "", err
	}
	if r.cfg.RenderSnapshot {
		if err := r.snapshot(ctx, html, filepath.Join(r.cfg.OutDir, run.ID+".png")); err != nil {
			logger.Warnf("[report] 截图失败: %v", err)
		}
	}
	return htmlPath, nil
}

func (r *Renderer) snapshot(ctx context.Context, html []byte, path string) error {
	if err := ensureHeadlessAvailable(ctx); err != nil {
		return err
	}
	height := equityHeightPx + ddHeightPx + tradesHeightPx
	png, err := renderHTMLToPNG(ctx, html, chartWidthPx, height)
	if err != nil {
		return err
	}
	return os.WriteFile(path, png, 0o644)
}

func buildPage(run store.RunModel, curve []store.EquityPoint, trades []paper.ClosedTrade) ([]byte, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xAxis := make([]string, len(curve))
	equity := make([]opts.LineData, len(curve))
	drawdown := make([]opts.LineData, len(curve))
	peak := curve[0].Equity
	for i, p := range curve {
		xAxis[i] = time.UnixMilli(p.BarTS).UTC().Format("01-02 15:04")
		equity[i] = opts.LineData{Value: round(p.Equity, 2)}
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - p.Equity) / peak * 100
		}
		drawdown[i] = opts.LineData{Value: round(dd, 3)}
	}

	subtitle := fmt.Sprintf("初始 %.2f → 最终 %.2f", run.InitialEquity, run.FinalEquity)
	if stats := gjson.ParseBytes(run.StatsJSON); stats.Exists() {
		subtitle = fmt.Sprintf("%s | 收益 %.2f%% | 最大回撤 %.2f%% | 交易 %d 笔",
			subtitle,
			stats.Get("return_pct").Float(),
			stats.Get("max_drawdown_pct").Float(),
			stats.Get("trades").Int())
	}

	equityChart := charts.NewLine()
	equityChart.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s 权益曲线", run.Symbol, run.Timeframe),
			Subtitle:      subtitle,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	equityChart.SetXAxis(xAxis)
	equityChart.AddSeries("Equity", equity,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	ddChart := charts.NewLine()
	ddChart.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(ddHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "回撤 %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	ddChart.SetXAxis(xAxis)
	ddChart.AddSeries("Drawdown", drawdown,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	page.AddCharts(equityChart, ddChart)
	if len(trades) > 0 {
		page.AddCharts(buildTradesChart(trades))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildTradesChart(trades []paper.ClosedTrade) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(tradesHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "逐笔盈亏", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	xAxis := make([]string, len(trades))
	data := make([]opts.BarData, len(trades))
	for i, t := range trades {
		xAxis[i] = fmt.Sprintf("#%d %s", t.Ticket, t.CloseTime.UTC().Format("01-02 15:04"))
		color := colorLoss
		if t.Profit >= 0 {
			color = colorWin
		}
		data[i] = opts.BarData{
			Value:     round(t.Profit, 2),
			ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.8)},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("PnL", data)
	return bar
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

func ensureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, snapshotTimeout)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
