package app

import (
	"context"

	"gridhelm/internal/backtest"
	"gridhelm/internal/store"
)

// BacktestService 聚合回测相关的存储与服务，统一生命周期。
type BacktestService struct {
	candles *backtest.CandleStore
	results *store.Store
	svc     *backtest.Service
	runner  *backtest.Runner
}

// Start 绑定上下文，任务取消随宿主 ctx。
func (b *BacktestService) Start(ctx context.Context) {
	if b == nil {
		return
	}
	if b.svc != nil {
		b.svc.SetContext(ctx)
	}
	if b.runner != nil {
		b.runner.SetContext(ctx)
	}
}

// Close 释放回测相关资源。
func (b *BacktestService) Close() {
	if b == nil {
		return
	}
	if b.results != nil {
		_ = b.results.Close()
	}
	if b.candles != nil {
		_ = b.candles.Close()
	}
}
