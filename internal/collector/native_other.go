//go:build !linux
// +build !linux

package collector

import (
	"context"

	"github.com/houzhh15/procwatch/internal/event"
	"github.com/houzhh15/procwatch/internal/log"
	"github.com/houzhh15/procwatch/internal/metrics"
	"github.com/houzhh15/procwatch/internal/registry"
)

// Native 非 Linux 平台的占位实现，Start 总是返回 ErrNotSupported
type Native struct {
	logger *log.Logger
}

// NewNative 创建原生事件源
func NewNative(_ SourceConfig, _ Lister, logger *log.Logger, _ *metrics.Metrics) *Native {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Native{logger: logger.WithModule("native")}
}

// Name 实现 Source
func (n *Native) Name() string {
	return NameNative
}

// Start 实现 Source
func (n *Native) Start(context.Context, registry.WatchList) error {
	return ErrNotSupported
}

// Events 实现 Source
func (n *Native) Events() <-chan event.ProcessEvent {
	return nil
}

// Update 实现 Source
func (n *Native) Update(context.Context, registry.WatchList) error {
	return ErrNotSupported
}

// Reconcile 实现 Source
func (n *Native) Reconcile(context.Context, []string) {}

// Stop 实现 Source
func (n *Native) Stop() error {
	return ErrNotStarted
}

// GetStats 获取统计信息
func (n *Native) GetStats() SourceStats {
	return SourceStats{}
}
