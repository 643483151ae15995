package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gridhelm/internal/backtest"
	"gridhelm/internal/broker"
	"gridhelm/internal/config"
	"gridhelm/internal/live"
	"gridhelm/internal/logger"
	binancesource "gridhelm/internal/market/binance"
	"gridhelm/internal/news"
	"gridhelm/internal/notifier"
	"gridhelm/internal/report"
	"gridhelm/internal/store"
	transporthttp "gridhelm/internal/transport/http"
)

// AppBuilder 把配置逐段翻译成服务依赖。
type AppBuilder struct {
	cfg *config.Config
}

func NewAppBuilder(cfg *config.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// Build 装配全部组件。失败时已创建的资源由调用方通过 App 关闭。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg

	candles, err := backtest.NewCandleStore(cfg.Backtest.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线缓存失败: %w", err)
	}
	results, err := store.New(cfg.Backtest.ResultDB)
	if err != nil {
		_ = candles.Close()
		return nil, fmt.Errorf("初始化结果库失败: %w", err)
	}

	activeSource := cfg.Market.ResolveActiveSource()
	svc, err := backtest.NewService(backtest.ServiceConfig{
		Store: candles,
		Sources: map[string]backtest.CandleSource{
			"binance": backtest.NewBinanceSource(activeSource.RESTBaseURL),
		},
		DefaultExchange: "binance",
		MaxConcurrent:   cfg.Backtest.MaxConcurrent,
	})
	if err != nil {
		_ = results.Close()
		_ = candles.Close()
		return nil, err
	}

	runner, err := backtest.NewRunner(cfg, candles, results, svc)
	if err != nil {
		_ = results.Close()
		_ = candles.Close()
		return nil, err
	}

	if cfg.Backtest.ReportDir != "" {
		renderer, err := report.New(report.Config{
			OutDir:         cfg.Backtest.ReportDir,
			RenderSnapshot: cfg.Backtest.RenderSnapshot,
		})
		if err != nil {
			logger.Warnf("报告渲染器不可用: %v", err)
		} else {
			runner.SetReporter(renderer)
		}
	}

	var notify notifier.TextNotifier = notifier.Nop{}
	if cfg.Notify.Telegram.Enabled {
		notify = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		runner.SetNotifier(notify)
		logger.Infof("✓ Telegram 通知已启用")
	}

	var newsFilter broker.NewsFilter = news.Never{}
	if cfg.News.Enabled {
		calendar, err := news.NewCalendar(cfg.News.CalendarPath, cfg.News.Currencies, cfg.News.MinImpact)
		if err != nil {
			_ = results.Close()
			_ = candles.Close()
			return nil, fmt.Errorf("加载财经日历失败: %w", err)
		}
		newsFilter = calendar
		logger.Infof("✓ 财经日历已加载: %s", cfg.News.CalendarPath)
	}

	server, err := transporthttp.NewServer(transporthttp.Config{
		Addr:      cfg.App.HTTPAddr,
		Data:      svc,
		Runner:    runner,
		Results:   results,
		ReportDir: cfg.Backtest.ReportDir,
	})
	if err != nil {
		_ = results.Close()
		_ = candles.Close()
		return nil, err
	}

	app := &App{
		cfg: cfg,
		backtest: &BacktestService{
			candles: candles,
			results: results,
			svc:     svc,
			runner:  runner,
		},
		server: server,
	}

	if strings.EqualFold(cfg.App.Mode, "live") {
		proxy := activeSource.Proxy
		src, err := binancesource.New(binancesource.Config{
			RESTBaseURL:  activeSource.RESTBaseURL,
			HTTPTimeout:  15 * time.Second,
			ProxyEnabled: proxy.Enabled,
			RESTProxyURL: proxy.RESTURL,
			WSProxyURL:   proxy.WSURL,
		})
		if err != nil {
			_ = results.Close()
			_ = candles.Close()
			return nil, fmt.Errorf("初始化实时行情源失败: %w", err)
		}
		loop, err := live.New(cfg, src, results, newsFilter, notify)
		if err != nil {
			_ = results.Close()
			_ = candles.Close()
			return nil, err
		}
		app.liveLoop = loop
		logger.Infof("✓ 实时模式: %s %s", cfg.Instrument.Symbol, cfg.Backtest.Timeframe)
	}

	return app, nil
}
