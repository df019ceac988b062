package collector

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/houzhh15/procwatch/internal/event"
	"github.com/houzhh15/procwatch/internal/log"
	"github.com/houzhh15/procwatch/internal/metrics"
	"github.com/houzhh15/procwatch/internal/registry"
)

// trackedProcess 轮询策略跟踪的进程
type trackedProcess struct {
	pid         int
	processName string
	firstSeenAt time.Time
}

// Poller 轮询事件源：定期枚举进程并与上一次结果比较
//
// tracked 只由轮询 goroutine 读写。
type Poller struct {
	cfg     SourceConfig
	lister  Lister
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	watch     atomic.Pointer[registry.WatchList]
	tracked   map[string]map[int]trackedProcess // name -> pid -> 进程
	reconcile chan []string
	eventCh   chan event.ProcessEvent
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
	stopOnce  sync.Once
	baseline  bool // 首次成功轮询只记录不上报

	statsLock sync.RWMutex
	stats     SourceStats
}

// NewPoller 创建轮询事件源
func NewPoller(cfg SourceConfig, lister Lister, logger *log.Logger, m *metrics.Metrics) *Poller {
	_ = cfg.Validate()
	if logger == nil {
		logger = log.NewNop()
	}
	p := &Poller{
		cfg:       cfg,
		lister:    lister,
		logger:    logger.WithModule("poller"),
		metrics:   m,
		now:       time.Now,
		tracked:   make(map[string]map[int]trackedProcess),
		reconcile: make(chan []string, 16),
		eventCh:   make(chan event.ProcessEvent, cfg.ChannelSize),
		stopCh:    make(chan struct{}),
	}
	empty := registry.WatchList{}
	p.watch.Store(&empty)
	return p
}

// SuppressInitial 首次成功轮询只建立基线，不为已存在的进程上报 Started
// 须在 Start 之前调用；Reconcile 请求的名称不受影响
func (p *Poller) SuppressInitial() {
	p.baseline = true
}

// Name 实现 Source
func (p *Poller) Name() string {
	return NamePoll
}

// Start 启动轮询循环，轮询策略不会启动失败
func (p *Poller) Start(ctx context.Context, watch registry.WatchList) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	p.watch.Store(&watch)

	p.wg.Add(1)
	go p.loop(ctx)

	p.logger.Info("Polling source started",
		zap.Duration("interval", p.cfg.PollInterval),
		zap.Stringer("watch", watch))
	return nil
}

// Events 返回事件channel(只读)
func (p *Poller) Events() <-chan event.ProcessEvent {
	return p.eventCh
}

// Update 原地替换监视列表，不重启循环
//
// 已跟踪但不再监视的进程在下一次轮询时静默丢弃。
func (p *Poller) Update(_ context.Context, watch registry.WatchList) error {
	prev := p.watch.Swap(&watch)
	p.logger.Info("Polling watch-list updated",
		zap.Stringer("previous", prev),
		zap.Stringer("current", watch))
	return nil
}

// Reconcile 请求立即轮询一次，新发现的进程以对账事件上报
func (p *Poller) Reconcile(ctx context.Context, names []string) {
	if len(names) == 0 || !p.started.Load() {
		return
	}
	select {
	case p.reconcile <- names:
	case <-p.stopCh:
	case <-ctx.Done():
	}
}

// Stop 停止轮询循环并关闭事件channel，可重复调用
func (p *Poller) Stop() error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		close(p.eventCh)
		p.logger.Info("Polling source stopped")
	})
	return nil
}

// GetStats 获取统计信息
func (p *Poller) GetStats() SourceStats {
	p.statsLock.RLock()
	defer p.statsLock.RUnlock()
	return p.stats
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	wait := p.cfg.PollInterval
	pending := make(map[string]struct{})
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case names := <-p.reconcile:
			for _, n := range names {
				pending[registry.NormalizeName(n)] = struct{}{}
			}
			timer.Stop()
		case <-timer.C:
		}

		watch := *p.watch.Load()
		if len(watch) == 0 {
			// 空列表：不枚举，只休眠
			p.prune(nil)
			clear(pending)
			wait = p.cfg.PollInterval
			timer.Reset(wait)
			continue
		}

		events, err := p.poll(ctx, watch, pending)
		if err != nil {
			wait = 2 * p.cfg.PollInterval
			p.recordError()
			p.logger.Warn("Polling iteration failed, backing off",
				zap.Error(err),
				zap.Duration("next_wait", wait))
			timer.Reset(wait)
			continue
		}
		clear(pending)
		wait = p.cfg.PollInterval

		for _, ev := range events {
			select {
			case p.eventCh <- ev:
				p.metrics.RecordEvent(NamePoll, string(ev.Action))
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		timer.Reset(wait)
	}
}

// poll 一次枚举并与跟踪集合比较，返回按名称、PID 排序的事件
func (p *Poller) poll(ctx context.Context, watch registry.WatchList, reconciling map[string]struct{}) ([]event.ProcessEvent, error) {
	names := watch.Set()
	procs, err := p.lister.List(ctx, names)
	if err != nil {
		return nil, err
	}

	now := p.now()
	seen := make(map[string]map[int]ProcessInfo, len(names))
	for _, info := range procs {
		if _, ok := names[info.Name]; !ok {
			continue
		}
		if seen[info.Name] == nil {
			seen[info.Name] = make(map[int]ProcessInfo)
		}
		seen[info.Name][info.PID] = info
	}

	p.prune(names)

	var events []event.ProcessEvent
	for _, name := range watch {
		current := seen[name]
		tracked := p.tracked[name]
		if tracked == nil {
			tracked = make(map[int]trackedProcess)
			p.tracked[name] = tracked
		}
		_, reconciled := reconciling[name]
		quiet := p.baseline && !reconciled

		for _, pid := range sortedPIDs(current) {
			if _, ok := tracked[pid]; ok {
				continue
			}
			tracked[pid] = trackedProcess{pid: pid, processName: name, firstSeenAt: now}
			if quiet {
				continue
			}
			ev := event.Started(name, pid, current[pid].Exe, now)
			ev.Reconciled = reconciled
			events = append(events, ev)
		}
		for _, pid := range sortedPIDs(tracked) {
			if _, ok := current[pid]; ok {
				continue
			}
			delete(tracked, pid)
			events = append(events, event.Stopped(name, pid, now))
		}
	}
	p.baseline = false

	p.statsLock.Lock()
	p.stats.LastActivity = now
	p.stats.TotalEventsEmitted += uint64(len(events))
	p.stats.Tracked = p.trackedCount()
	p.statsLock.Unlock()

	return events, nil
}

// prune 丢弃不再监视的名称下的跟踪进程，不产生事件
func (p *Poller) prune(names map[string]struct{}) {
	for name := range p.tracked {
		if _, ok := names[name]; !ok {
			delete(p.tracked, name)
		}
	}
}

func (p *Poller) trackedCount() int {
	n := 0
	for _, pids := range p.tracked {
		n += len(pids)
	}
	return n
}

func (p *Poller) recordError() {
	p.metrics.RecordPollError()
	p.statsLock.Lock()
	p.stats.TotalErrors++
	p.statsLock.Unlock()
}

func sortedPIDs[V any](m map[int]V) []int {
	pids := make([]int, 0, len(m))
	for pid := range m {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
