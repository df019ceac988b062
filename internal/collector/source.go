// Package collector 进程启动/退出事件源：原生通知（Linux proc connector）与轮询两种策略
package collector

import (
	"context"
	"errors"
	"time"

	"github.com/houzhh15/procwatch/internal/event"
	"github.com/houzhh15/procwatch/internal/registry"
)

// 事件源名称
const (
	NameNative = "native"
	NamePoll   = "poll"
)

var (
	// ErrNotSupported 当前平台不支持原生进程通知
	ErrNotSupported = errors.New("native process notifications not supported on this platform")
	// ErrAlreadyStarted 重复启动
	ErrAlreadyStarted = errors.New("source already started")
	// ErrNotStarted 未启动时调用
	ErrNotStarted = errors.New("source not started")
)

// Source 进程事件源
//
// Start 失败时不得留下任何后台资源，控制器据此回退到轮询。
// Events 在 Stop 之后关闭。
type Source interface {
	Name() string
	Start(ctx context.Context, watch registry.WatchList) error
	Events() <-chan event.ProcessEvent
	Update(ctx context.Context, watch registry.WatchList) error
	Reconcile(ctx context.Context, names []string)
	Stop() error
}

// SourceStats 事件源统计信息
type SourceStats struct {
	TotalEventsEmitted uint64    `json:"total_events_emitted"`
	TotalErrors        uint64    `json:"total_errors"`
	Tracked            int       `json:"tracked"`
	LastActivity       time.Time `json:"last_activity"`
}

var (
	_ Source = (*Poller)(nil)
	_ Source = (*Native)(nil)
)
