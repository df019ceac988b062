// Package dispatch 将进程事件分发给对应的处理脚本
package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/houzhh15/procwatch/internal/event"
	"github.com/houzhh15/procwatch/internal/log"
	"github.com/houzhh15/procwatch/internal/metrics"
	"github.com/houzhh15/procwatch/internal/registry"
)

// 参数风格
const (
	ArgStylePositional = "positional"
	ArgStyleNamed      = "named"
)

// ErrScriptMissing 启动时脚本已不存在
var ErrScriptMissing = errors.New("handler script missing")

// Options 分发器选项
type Options struct {
	Interpreters Interpreters
	ArgStyle     string
	Launcher     Launcher
	Logger       *log.Logger
	Metrics      *metrics.Metrics
}

// Stats 分发统计信息
type Stats struct {
	EventsDispatched uint64 `json:"events_dispatched"`
	EventsUnhandled  uint64 `json:"events_unhandled"`
	LaunchesOK       uint64 `json:"launches_ok"`
	LaunchesFailed   uint64 `json:"launches_failed"`
}

// Dispatcher 为每个事件启动通用脚本和对应动作的脚本
//
// 每个脚本在独立 goroutine 中启动，启动失败只记录不重试。
type Dispatcher struct {
	opts   Options
	logger *log.Logger
	wg     sync.WaitGroup

	eventsDispatched atomic.Uint64
	eventsUnhandled  atomic.Uint64
	launchesOK       atomic.Uint64
	launchesFailed   atomic.Uint64
}

// New 创建分发器
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Launcher == nil {
		opts.Launcher = NewExecLauncher(opts.Logger)
	}
	if opts.ArgStyle == "" {
		opts.ArgStyle = ArgStylePositional
	}
	return &Dispatcher{
		opts:   opts,
		logger: opts.Logger.WithModule("dispatch"),
	}
}

// Dispatch 查找并异步启动处理脚本，返回已安排启动的脚本数
func (d *Dispatcher) Dispatch(ev event.ProcessEvent, reg *registry.Registry) int {
	d.eventsDispatched.Add(1)

	var entries []registry.HandlerEntry
	if entry, ok := reg.Lookup(ev.ProcessName, registry.KindUniversal); ok {
		entries = append(entries, entry)
	}
	actionKind := registry.KindStart
	if ev.Action == event.ActionStopped {
		actionKind = registry.KindEnd
	}
	if entry, ok := reg.Lookup(ev.ProcessName, actionKind); ok {
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		d.eventsUnhandled.Add(1)
		d.logger.Debug("No handler for event",
			zap.String("process", ev.ProcessName),
			zap.Int("pid", ev.PID),
			zap.String("action", string(ev.Action)))
		return 0
	}

	for _, entry := range entries {
		d.wg.Add(1)
		go func(entry registry.HandlerEntry) {
			defer d.wg.Done()
			d.launch(ev, entry)
		}(entry)
	}
	return len(entries)
}

// Wait 等待已安排的启动完成（不等待处理脚本本身结束）
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// GetStats 获取统计信息
func (d *Dispatcher) GetStats() Stats {
	return Stats{
		EventsDispatched: d.eventsDispatched.Load(),
		EventsUnhandled:  d.eventsUnhandled.Load(),
		LaunchesOK:       d.launchesOK.Load(),
		LaunchesFailed:   d.launchesFailed.Load(),
	}
}

func (d *Dispatcher) launch(ev event.ProcessEvent, entry registry.HandlerEntry) {
	id := uuid.NewString()
	logger := d.logger.With(
		zap.String("launch_id", id),
		zap.String("handler", entry.ScriptPath),
		zap.String("kind", entry.Kind.String()),
		zap.String("process", ev.ProcessName),
		zap.Int("pid", ev.PID),
		zap.String("action", string(ev.Action)),
		zap.Bool("reconciled", ev.Reconciled),
	)

	pid, err := d.start(id, ev, entry)
	d.opts.Metrics.RecordLaunch(entry.Kind.String(), err == nil)
	if err != nil {
		d.launchesFailed.Add(1)
		logger.Error("Failed to launch handler", zap.Error(err))
		return
	}
	d.launchesOK.Add(1)
	logger.Info("Handler launched", zap.Int("handler_pid", pid))
}

func (d *Dispatcher) start(id string, ev event.ProcessEvent, entry registry.HandlerEntry) (int, error) {
	info, err := os.Stat(entry.ScriptPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrScriptMissing, entry.ScriptPath)
		}
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrScriptMissing, entry.ScriptPath)
	}

	var args []string
	if d.opts.ArgStyle == ArgStyleNamed {
		args = event.ToNamedArgs(ev)
	} else {
		args = event.ToPositionalArgs(ev)
	}
	path, argv := d.opts.Interpreters.Resolve(entry.ScriptPath, args)

	return d.opts.Launcher.Launch(Command{
		ID:   id,
		Path: path,
		Args: argv,
		Env:  event.ToEnv(ev),
		Dir:  filepath.Dir(entry.ScriptPath),
	})
}
