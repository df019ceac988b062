// Package observer 监视处理脚本目录，目录静默一段时间后通知一次变更
package observer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/houzhh15/procwatch/internal/log"
)

// DefaultSettleDelay 默认静默时间
const DefaultSettleDelay = 500 * time.Millisecond

var (
	// ErrAlreadyStarted 重复启动
	ErrAlreadyStarted = errors.New("observer already started")
	// ErrClosed 已关闭
	ErrClosed = errors.New("observer closed")
)

// Options 观察者选项
type Options struct {
	SettleDelay time.Duration
	ExamplesDir string // 该子目录下的变更被忽略
	Logger      *log.Logger
}

// Stats 观察者统计信息
type Stats struct {
	EventsSeen      uint64 `json:"events_seen"`
	EventsCoalesced uint64 `json:"events_coalesced"`
	Notifications   uint64 `json:"notifications"`
}

// Observer 目录观察者
//
// 每个合格事件都会重置同一个定时器，目录静默 SettleDelay 后回调一次。
type Observer struct {
	dir    string
	opts   Options
	logger *log.Logger

	mutex    sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	gen      uint64
	onChange func()
	started  bool
	closed   bool
	wg       sync.WaitGroup

	eventsSeen      atomic.Uint64
	eventsCoalesced atomic.Uint64
	notifications   atomic.Uint64
}

// New 创建目录观察者
func New(dir string, opts Options) *Observer {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	return &Observer{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.WithModule("observer"),
	}
}

// Start 开始监视目录，创建监视器或添加目录失败时返回错误
func (o *Observer) Start(ctx context.Context, onChange func()) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.started {
		return ErrAlreadyStarted
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(o.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch dir %s: %w", o.dir, err)
	}

	o.watcher = watcher
	o.onChange = onChange
	o.started = true

	o.wg.Add(1)
	go o.watch(ctx, watcher)

	o.logger.Info("Watching handler directory",
		zap.String("dir", o.dir),
		zap.Duration("settle_delay", o.opts.SettleDelay))
	return nil
}

// Close 停止监视并取消待触发的回调，可重复调用
//
// 正在执行的回调结束后才返回，Close 返回后不会再有回调。
// 不要在回调中调用 Close。
func (o *Observer) Close() error {
	err := o.shutdown()
	o.wg.Wait()
	return err
}

func (o *Observer) shutdown() error {
	o.mutex.Lock()
	if o.closed {
		o.mutex.Unlock()
		return nil
	}
	o.closed = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	watcher := o.watcher
	o.mutex.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// GetStats 获取统计信息
func (o *Observer) GetStats() Stats {
	return Stats{
		EventsSeen:      o.eventsSeen.Load(),
		EventsCoalesced: o.eventsCoalesced.Load(),
		Notifications:   o.notifications.Load(),
	}
}

func (o *Observer) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			o.logger.Warn("Directory watch error", zap.Error(err))

		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !o.relevant(evt) {
				continue
			}
			o.eventsSeen.Add(1)
			o.logger.Debug("Handler directory changed",
				zap.String("path", evt.Name),
				zap.String("op", evt.Op.String()))
			o.schedule()
		}
	}
}

// relevant 过滤示例目录、隐藏文件和仅属性变化的事件
func (o *Observer) relevant(evt fsnotify.Event) bool {
	if evt.Op == fsnotify.Chmod {
		return false
	}
	rel, err := filepath.Rel(o.dir, evt.Name)
	if err != nil {
		return false
	}
	first := strings.Split(filepath.ToSlash(rel), "/")[0]
	if first == "" || first == "." || strings.HasPrefix(first, ".") {
		return false
	}
	if o.opts.ExamplesDir != "" && strings.EqualFold(first, o.opts.ExamplesDir) {
		return false
	}
	return true
}

func (o *Observer) schedule() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.closed {
		return
	}
	if o.timer != nil {
		// 已触发但尚未执行的回调通过 gen 失效
		o.timer.Stop()
		o.eventsCoalesced.Add(1)
	}
	o.gen++
	gen := o.gen
	o.timer = time.AfterFunc(o.opts.SettleDelay, func() { o.flush(gen) })
}

func (o *Observer) flush(gen uint64) {
	o.mutex.Lock()
	if o.closed || gen != o.gen {
		o.mutex.Unlock()
		return
	}
	o.timer = nil
	callback := o.onChange
	o.wg.Add(1)
	o.mutex.Unlock()
	defer o.wg.Done()

	o.notifications.Add(1)
	if callback != nil {
		callback()
	}
}
