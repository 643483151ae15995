// Package app 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与实时循环。
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"gridhelm/internal/config"
	"gridhelm/internal/live"
	"gridhelm/internal/logger"
	transporthttp "gridhelm/internal/transport/http"
)

// App 持有装配完成的服务集合。
type App struct {
	cfg      *config.Config
	backtest *BacktestService
	server   *transporthttp.Server
	liveLoop *live.Loop
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与（live 模式下的）实时循环，阻塞直到 ctx 取消或出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	a.backtest.Start(ctx)
	defer a.backtest.Close()

	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	if a.liveLoop != nil {
		group.Go(func() error {
			return a.liveLoop.Run(ctx)
		})
	}

	return group.Wait()
}
