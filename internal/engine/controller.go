// Package engine 监控引擎控制器：扫描处理脚本目录、选择事件源、分发事件并响应目录变更
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/houzhh15/procwatch/internal/collector"
	"github.com/houzhh15/procwatch/internal/event"
	"github.com/houzhh15/procwatch/internal/log"
	"github.com/houzhh15/procwatch/internal/metrics"
	"github.com/houzhh15/procwatch/internal/registry"
)

// 事件源选择策略
const (
	StrategyAuto   = "auto"
	StrategyNative = "native"
	StrategyPoll   = "poll"
)

// DefaultEmptyRescanInterval 监视列表为空时的重新扫描间隔
const DefaultEmptyRescanInterval = 5 * time.Second

var (
	// ErrAlreadyRun 控制器只能运行一次
	ErrAlreadyRun = errors.New("controller already run")
	// ErrNoSource 所有事件源都启动失败
	ErrNoSource = errors.New("no event source could be started")
)

// DirectoryObserver 目录观察者
type DirectoryObserver interface {
	Start(ctx context.Context, onChange func()) error
	Close() error
}

// EventDispatcher 事件分发器
type EventDispatcher interface {
	Dispatch(ev event.ProcessEvent, reg *registry.Registry) int
}

// SourceFactory 按名称(native/poll)创建事件源
type SourceFactory func(name string) collector.Source

// Options 控制器选项
type Options struct {
	HandlersDir         string
	Scan                registry.ScanOptions
	Strategy            string
	EmptyRescanInterval time.Duration

	NewSource  SourceFactory
	Observer   DirectoryObserver // 为空时只在启动和空列表重扫时扫描
	Dispatcher EventDispatcher

	Logger        *log.Logger
	Metrics       *metrics.Metrics
	OnStateChange StateListener
}

// Stats 控制器统计信息
type Stats struct {
	State        string `json:"state"`
	Strategy     string `json:"strategy"`
	WatchedNames int    `json:"watched_names"`
	Rescans      uint64 `json:"rescans"`
	EventsSeen   uint64 `json:"events_seen"`
	Dispatches   uint64 `json:"dispatches"`
	Recovered    uint64 `json:"recovered"`
}

// Controller 监控引擎控制器
//
// Registry 和 WatchList 以原子指针整体替换，读取方总能看到完整的快照。
// source 只由 Run 所在 goroutine 访问。
type Controller struct {
	opts   Options
	logger *log.Logger

	state    atomic.Int32
	registry atomic.Pointer[registry.Registry]
	watch    atomic.Pointer[registry.WatchList]
	strategy atomic.Value // string

	source   collector.Source
	changeCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	ran      atomic.Bool

	rescans    atomic.Uint64
	eventsSeen atomic.Uint64
	dispatches atomic.Uint64
	recovered  atomic.Uint64
}

// New 创建控制器
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.EmptyRescanInterval <= 0 {
		opts.EmptyRescanInterval = DefaultEmptyRescanInterval
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyAuto
	}

	c := &Controller{
		opts:     opts,
		logger:   opts.Logger.WithModule("engine"),
		changeCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.registry.Store(registry.Empty())
	empty := registry.WatchList{}
	c.watch.Store(&empty)
	c.strategy.Store("")
	return c
}

// Run 运行控制器直到 ctx 取消或 Stop 被调用
//
// 只有所有事件源都无法启动时返回错误；分发、事件源和观察者的错误都不会终止运行。
func (c *Controller) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer c.teardown()

	if c.opts.Observer != nil {
		if err := c.opts.Observer.Start(ctx, c.NotifyChange); err != nil {
			c.logger.Warn("Directory observer unavailable, handler changes require restart",
				zap.String("dir", c.opts.HandlersDir),
				zap.Error(err))
		}
	}

	watch, ok := c.waitForWatchList(ctx)
	if !ok || ctx.Err() != nil {
		return nil
	}

	c.setState(StateSubscribingEvents)
	src, err := c.subscribe(ctx, watch, c.strategies(), false)
	if err != nil {
		return err
	}
	c.source = src

	c.setState(StateRunning)
	c.logger.Info("Monitoring started",
		zap.String("strategy", src.Name()),
		zap.Stringer("watch", watch))
	src.Reconcile(ctx, watch)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-c.source.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := c.fallback(ctx); err != nil {
					return err
				}
				continue
			}
			c.safely("dispatch", func() { c.handleEvent(ev) })

		case <-c.changeCh:
			c.safely("reload", func() { c.handleChange(ctx) })
		}
	}
}

// Stop 请求停止，可重复调用
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Done 在 Run 返回后关闭
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// NotifyChange 通知处理脚本目录已变化，多次通知会合并
func (c *Controller) NotifyChange() {
	select {
	case c.changeCh <- struct{}{}:
	default:
	}
}

// State 当前状态
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Registry 当前注册表快照
func (c *Controller) Registry() *registry.Registry {
	return c.registry.Load()
}

// WatchList 当前监视列表
func (c *Controller) WatchList() registry.WatchList {
	return *c.watch.Load()
}

// GetStats 获取统计信息
func (c *Controller) GetStats() Stats {
	return Stats{
		State:        c.State().String(),
		Strategy:     c.strategy.Load().(string),
		WatchedNames: len(c.WatchList()),
		Rescans:      c.rescans.Load(),
		EventsSeen:   c.eventsSeen.Load(),
		Dispatches:   c.dispatches.Load(),
		Recovered:    c.recovered.Load(),
	}
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug("State changed",
		zap.String("from", prev.String()),
		zap.String("to", s.String()))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// waitForWatchList 扫描直到监视列表非空；ctx 取消时返回 false
func (c *Controller) waitForWatchList(ctx context.Context) (registry.WatchList, bool) {
	for {
		c.setState(StateScanning)
		// 目录不可读时按空注册表处理
		reg, _ := c.scan()
		watch := c.install(reg)
		if len(watch) > 0 {
			return watch, true
		}

		c.setState(StateWatchListEmpty)
		c.logger.Info("No handlers found, waiting",
			zap.String("dir", c.opts.HandlersDir),
			zap.Duration("rescan_interval", c.opts.EmptyRescanInterval))

		timer := time.NewTimer(c.opts.EmptyRescanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-c.changeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// scan 扫描处理脚本目录
func (c *Controller) scan() (*registry.Registry, error) {
	reg, err := registry.Scan(c.opts.HandlersDir, c.opts.Scan)
	c.rescans.Add(1)
	c.opts.Metrics.RecordScan(err == nil)
	return reg, err
}

// install 整体替换注册表和监视列表
func (c *Controller) install(reg *registry.Registry) registry.WatchList {
	watch := reg.WatchList()
	c.registry.Store(reg)
	c.watch.Store(&watch)
	c.opts.Metrics.SetWatched(len(watch))
	return watch
}

func (c *Controller) strategies() []string {
	switch c.opts.Strategy {
	case StrategyPoll:
		return []string{StrategyPoll}
	default:
		return []string{StrategyNative, StrategyPoll}
	}
}

// subscribe 按顺序尝试事件源，第一个启动成功的生效
func (c *Controller) subscribe(ctx context.Context, watch registry.WatchList, order []string, quiet bool) (collector.Source, error) {
	var errs []error
	for _, name := range order {
		src := c.opts.NewSource(name)
		if src == nil {
			continue
		}
		if p, ok := src.(interface{ SuppressInitial() }); ok && quiet {
			p.SuppressInitial()
		}
		if err := src.Start(ctx, watch); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			level := c.logger.Warn
			if c.opts.Strategy == StrategyNative {
				level = c.logger.Error
			}
			level("Event source unavailable, falling back",
				zap.String("source", name),
				zap.Error(err))
			continue
		}
		c.strategy.Store(src.Name())
		c.opts.Metrics.SetStrategy(src.Name())
		return src, nil
	}
	if len(errs) == 0 {
		return nil, ErrNoSource
	}
	return nil, fmt.Errorf("%w: %w", ErrNoSource, errors.Join(errs...))
}

// fallback 事件源意外结束或更新失败时切换到轮询
func (c *Controller) fallback(ctx context.Context) error {
	failed := c.source
	c.logger.Error("Event source failed, switching to polling", zap.String("source", failed.Name()))
	_ = failed.Stop()

	if failed.Name() == StrategyPoll {
		return fmt.Errorf("%w: polling source terminated", ErrNoSource)
	}

	c.setState(StateSubscribingEvents)
	src, err := c.subscribe(ctx, c.WatchList(), []string{StrategyPoll}, true)
	if err != nil {
		return err
	}
	c.source = src
	c.setState(StateRunning)
	return nil
}

// handleChange 目录变更：重新扫描，原地更新事件源并对新增名称对账
func (c *Controller) handleChange(ctx context.Context) {
	reg, err := c.scan()
	if err != nil {
		// 运行中目录不可读时保留上一份快照
		c.logger.Warn("Handler directory unreadable, keeping previous handlers",
			zap.String("dir", c.opts.HandlersDir),
			zap.Error(err))
		return
	}
	if reg.Equal(c.Registry()) {
		c.logger.Debug("Handler directory unchanged", zap.String("dir", c.opts.HandlersDir))
		return
	}

	prev := c.WatchList()
	watch := c.install(reg)
	added, removed := watch.Diff(prev)

	c.logger.Info("Handler directory reloaded",
		zap.Stringer("watch", watch),
		zap.Strings("added", added),
		zap.Strings("removed", removed))

	if watch.Equal(prev) {
		return
	}
	if err := c.source.Update(ctx, watch); err != nil {
		c.logger.Error("Failed to update event source", zap.Error(err))
		if err := c.fallback(ctx); err != nil {
			c.logger.Error("Fallback failed", zap.Error(err))
			return
		}
	}
	c.source.Reconcile(ctx, added)
}

func (c *Controller) handleEvent(ev event.ProcessEvent) {
	c.eventsSeen.Add(1)
	// 使用分发时刻的快照
	reg := c.registry.Load()

	c.logger.Info("Process event", event.ToFields(ev)...)

	if c.opts.Dispatcher == nil {
		return
	}
	n := c.opts.Dispatcher.Dispatch(ev, reg)
	c.dispatches.Add(uint64(n))
}

// safely 单次循环内的 panic 不终止控制器
func (c *Controller) safely(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.recovered.Add(1)
			c.logger.Error("Recovered from panic",
				zap.String("op", op),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn()
}

// teardown 停止事件源和观察者，清空快照；已启动的处理脚本不受影响
func (c *Controller) teardown() {
	c.setState(StateStopping)

	if c.source != nil {
		if s, ok := c.source.(interface{ GetStats() collector.SourceStats }); ok {
			stats := s.GetStats()
			c.logger.Info("Event source statistics",
				zap.String("source", c.source.Name()),
				zap.Uint64("events_emitted", stats.TotalEventsEmitted),
				zap.Uint64("errors", stats.TotalErrors),
				zap.Int("tracked", stats.Tracked))
		}
		if err := c.source.Stop(); err != nil && !errors.Is(err, collector.ErrNotStarted) {
			c.logger.Warn("Failed to stop event source", zap.Error(err))
		}
		c.source = nil
	}
	if c.opts.Observer != nil {
		if err := c.opts.Observer.Close(); err != nil {
			c.logger.Warn("Failed to close directory observer", zap.Error(err))
		}
	}

	c.registry.Store(registry.Empty())
	empty := registry.WatchList{}
	c.watch.Store(&empty)
	c.strategy.Store("")
	c.opts.Metrics.SetStrategy("")
	c.opts.Metrics.SetWatched(0)

	c.setState(StateIdle)
	c.logger.Info("Monitoring stopped")
}
