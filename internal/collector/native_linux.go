//go:build linux
// +build linux

package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/houzhh15/procwatch/internal/event"
	"github.com/houzhh15/procwatch/internal/log"
	"github.com/houzhh15/procwatch/internal/metrics"
	"github.com/houzhh15/procwatch/internal/registry"
)

// recvTimeout 读超时，读循环据此检查关闭标志
const recvTimeout = 500 * time.Millisecond

// procConn 一个 proc connector 订阅
type procConn struct {
	fd     int
	seq    atomic.Uint32
	closed atomic.Bool
}

// dialProcConnector 创建 netlink socket 并订阅进程事件
//
// 需要 root 或 CAP_NET_ADMIN，否则返回错误。
func dialProcConnector() (*procConn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, fmt.Errorf("create netlink socket: %w", err)
	}

	// Pid 为 0 由内核分配端口号，允许新旧订阅短暂共存
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cnIdxProc}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind netlink socket: %w", err)
	}

	tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}

	c := &procConn{fd: fd}
	if err := c.send(procCnMcastListen); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("subscribe proc events: %w", err)
	}
	return c, nil
}

func (c *procConn) send(op uint32) error {
	msg := buildMcastMessage(op, c.seq.Add(1), uint32(os.Getpid()))
	dst := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cnIdxProc}
	return unix.Sendto(c.fd, msg, 0, dst)
}

// shutdown 退订并关闭 socket，只由读循环调用
func (c *procConn) shutdown() {
	_ = c.send(procCnMcastIgnore)
	_ = unix.Close(c.fd)
}

// Native 基于 Linux proc connector 的事件源
type Native struct {
	cfg     SourceConfig
	lister  Lister
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	conn    *procConn
	watch   registry.WatchList
	tracked map[int]string    // pid -> 进程名
	pending map[int]time.Time // 被跟踪进程 fork 出、尚未 exec 的子进程 -> fork 时间

	eventCh  chan event.ProcessEvent
	emitMu   sync.RWMutex // 发送持读锁，关闭 eventCh 持写锁
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	statsLock sync.RWMutex
	stats     SourceStats
}

// NewNative 创建原生事件源
func NewNative(cfg SourceConfig, lister Lister, logger *log.Logger, m *metrics.Metrics) *Native {
	_ = cfg.Validate()
	if logger == nil {
		logger = log.NewNop()
	}
	return &Native{
		cfg:     cfg,
		lister:  lister,
		logger:  logger.WithModule("native"),
		metrics: m,
		now:     time.Now,
		tracked: make(map[int]string),
		pending: make(map[int]time.Time),
		eventCh: make(chan event.ProcessEvent, cfg.ChannelSize),
		stopCh:  make(chan struct{}),
	}
}

// Name 实现 Source
func (n *Native) Name() string {
	return NameNative
}

// Start 建立订阅，失败时不保留任何资源
func (n *Native) Start(ctx context.Context, watch registry.WatchList) error {
	if n.started.Load() {
		return ErrAlreadyStarted
	}
	conn, err := dialProcConnector()
	if err != nil {
		return err
	}
	if !n.started.CompareAndSwap(false, true) {
		conn.shutdown()
		return ErrAlreadyStarted
	}

	n.mu.Lock()
	n.ctx = ctx
	n.conn = conn
	n.watch = watch
	n.mu.Unlock()

	n.wg.Add(1)
	go n.readLoop(ctx, conn)

	n.logger.Info("Native process notifications subscribed", zap.Stringer("watch", watch))
	return nil
}

// Events 返回事件channel(只读)
func (n *Native) Events() <-chan event.ProcessEvent {
	return n.eventCh
}

// Update 先建立新订阅再关闭旧订阅，仍在监视列表中的已跟踪进程保留
func (n *Native) Update(ctx context.Context, watch registry.WatchList) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	conn, err := dialProcConnector()
	if err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	n.mu.Lock()
	old := n.conn
	n.conn = conn
	n.watch = watch
	for pid, name := range n.tracked {
		if !watch.Contains(name) {
			delete(n.tracked, pid)
		}
	}
	runCtx := n.ctx
	n.mu.Unlock()

	n.wg.Add(1)
	go n.readLoop(runCtx, conn)
	old.closed.Store(true)

	n.logger.Info("Native subscription re-created", zap.Stringer("watch", watch))
	return nil
}

// Reconcile 枚举已在运行的进程，为未跟踪的进程合成 Started 事件
func (n *Native) Reconcile(ctx context.Context, names []string) {
	if len(names) == 0 || !n.started.Load() {
		return
	}
	procs, err := n.lister.List(ctx, registry.NewWatchList(names...).Set())
	if err != nil {
		n.logger.Warn("Reconciliation enumeration failed", zap.Error(err))
		return
	}

	now := n.now()
	var events []event.ProcessEvent
	n.mu.Lock()
	for _, info := range procs {
		if !n.watch.Contains(info.Name) {
			continue
		}
		if _, ok := n.tracked[info.PID]; ok {
			continue
		}
		n.tracked[info.PID] = info.Name
		ev := event.Started(info.Name, info.PID, info.Exe, now)
		ev.Reconciled = true
		events = append(events, ev)
	}
	n.mu.Unlock()

	n.emit(ctx, events)
}

// Stop 退订并关闭事件channel，可重复调用
func (n *Native) Stop() error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.mu.Lock()
		if n.conn != nil {
			n.conn.closed.Store(true)
		}
		n.mu.Unlock()
		n.wg.Wait()

		n.mu.Lock()
		clear(n.tracked)
		clear(n.pending)
		n.mu.Unlock()

		n.emitMu.Lock()
		close(n.eventCh)
		n.emitMu.Unlock()
		n.logger.Info("Native process notifications unsubscribed")
	})
	return nil
}

// GetStats 获取统计信息
func (n *Native) GetStats() SourceStats {
	n.statsLock.RLock()
	defer n.statsLock.RUnlock()
	stats := n.stats
	n.mu.Lock()
	stats.Tracked = len(n.tracked)
	n.mu.Unlock()
	return stats
}

func (n *Native) readLoop(ctx context.Context, conn *procConn) {
	defer n.wg.Done()
	defer conn.shutdown()

	buf := make([]byte, os.Getpagesize())
	for {
		if conn.closed.Load() || ctx.Err() != nil {
			return
		}
		n.promotePending(ctx)

		nr, _, err := unix.Recvfrom(conn.fd, buf, 0)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.ENOBUFS):
				// 内核缓冲区溢出，启动和退出事件都可能丢失
				n.recordError()
				n.logger.Warn("Proc connector overrun, resynchronizing")
				n.resync(ctx)
				continue
			default:
				n.recordError()
				n.logger.Error("Proc connector receive failed", zap.Error(err))
				if n.isCurrent(conn) {
					// 当前订阅失效：停止事件源，控制器在 Events 关闭后回退到轮询
					go n.Stop()
				}
				return
			}
		}

		events, err := parseProcEvents(buf[:nr])
		if err != nil {
			n.logger.Debug("Malformed proc connector message", zap.Error(err))
		}
		for _, ev := range events {
			n.handle(ctx, ev)
		}
	}
}

func (n *Native) isCurrent(conn *procConn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn == conn
}

func (n *Native) currentWatch() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.watch...)
}

// handle 把内核事件转换为进程事件
//
// 只有 exec 代表程序映像的加载。fork 出的子进程暂时沿用父进程的名称，
// 先记为待定，exec 时按新映像处理，超过一个轮询间隔仍未 exec 才按当前名称上报。
func (n *Native) handle(ctx context.Context, pe procEvent) {
	if !pe.leader() {
		return
	}

	switch pe.Kind {
	case procKindFork:
		n.mu.Lock()
		if _, ok := n.tracked[pe.Parent]; ok {
			n.pending[pe.PID] = n.now()
		}
		n.mu.Unlock()

	case procKindExit:
		n.mu.Lock()
		delete(n.pending, pe.PID)
		name, ok := n.tracked[pe.PID]
		if ok {
			delete(n.tracked, pe.PID)
		}
		n.mu.Unlock()
		if ok {
			n.emit(ctx, []event.ProcessEvent{event.Stopped(name, pe.PID, n.now())})
		}

	case procKindExec:
		n.mu.Lock()
		delete(n.pending, pe.PID)
		n.mu.Unlock()

		// 查询可能失败：进程在查询前已退出
		info, err := n.lister.Lookup(ctx, pe.PID)
		if err != nil {
			n.logger.Debug("Process lookup failed", zap.Int("pid", pe.PID), zap.Error(err))
			return
		}
		now := n.now()

		var events []event.ProcessEvent
		n.mu.Lock()
		prev, tracked := n.tracked[pe.PID]
		watched := n.watch.Contains(info.Name)
		switch {
		case tracked && prev == info.Name:
			// 新旧订阅并存，或 exec 同一程序
		case tracked:
			// exec 为另一个程序，原进程视为退出
			delete(n.tracked, pe.PID)
			events = append(events, event.Stopped(prev, pe.PID, now))
			if watched {
				n.tracked[pe.PID] = info.Name
				events = append(events, event.Started(info.Name, pe.PID, info.Exe, now))
			}
		case watched:
			n.tracked[pe.PID] = info.Name
			events = append(events, event.Started(info.Name, pe.PID, info.Exe, now))
		}
		n.mu.Unlock()

		n.emit(ctx, events)
	}
}

// promotePending 上报超过一个轮询间隔仍未 exec 的 fork 子进程
func (n *Native) promotePending(ctx context.Context) {
	cutoff := n.now().Add(-n.cfg.PollInterval)

	n.mu.Lock()
	var due []int
	for pid, at := range n.pending {
		if !at.After(cutoff) {
			due = append(due, pid)
		}
	}
	n.mu.Unlock()
	if len(due) == 0 {
		return
	}
	sort.Ints(due)

	var events []event.ProcessEvent
	for _, pid := range due {
		info, err := n.lister.Lookup(ctx, pid)

		n.mu.Lock()
		// 查询期间已 exec 或退出的子进程不再在 pending 中
		_, still := n.pending[pid]
		delete(n.pending, pid)
		_, tracked := n.tracked[pid]
		if still && !tracked && err == nil && n.watch.Contains(info.Name) {
			n.tracked[pid] = info.Name
			events = append(events, event.Started(info.Name, pid, info.Exe, n.now()))
		}
		n.mu.Unlock()
	}
	n.emit(ctx, events)
}

// resync 事件丢失后按一次枚举校正跟踪集合：消失的进程上报 Stopped，未跟踪的进程上报 Started
func (n *Native) resync(ctx context.Context) {
	watch := registry.NewWatchList(n.currentWatch()...)
	if len(watch) == 0 {
		return
	}
	procs, err := n.lister.List(ctx, watch.Set())
	if err != nil {
		n.recordError()
		n.logger.Warn("Resynchronization enumeration failed", zap.Error(err))
		return
	}

	alive := make(map[int]ProcessInfo, len(procs))
	for _, info := range procs {
		if watch.Contains(info.Name) {
			alive[info.PID] = info
		}
	}

	now := n.now()
	var events []event.ProcessEvent
	n.mu.Lock()
	for _, pid := range sortedPIDs(n.tracked) {
		name := n.tracked[pid]
		if info, ok := alive[pid]; ok && info.Name == name {
			continue
		}
		delete(n.tracked, pid)
		events = append(events, event.Stopped(name, pid, now))
	}
	// 存活的 fork 子进程在 alive 中，按未跟踪进程处理
	clear(n.pending)
	for _, pid := range sortedPIDs(alive) {
		if _, ok := n.tracked[pid]; ok {
			continue
		}
		info := alive[pid]
		n.tracked[pid] = info.Name
		ev := event.Started(info.Name, pid, info.Exe, now)
		ev.Reconciled = true
		events = append(events, ev)
	}
	n.mu.Unlock()

	n.emit(ctx, events)
}

func (n *Native) emit(ctx context.Context, events []event.ProcessEvent) {
	if len(events) == 0 {
		return
	}
	n.emitMu.RLock()
	defer n.emitMu.RUnlock()

	for _, ev := range events {
		select {
		case <-n.stopCh:
			return
		default:
		}
		select {
		case n.eventCh <- ev:
			n.metrics.RecordEvent(NameNative, string(ev.Action))
			n.statsLock.Lock()
			n.stats.TotalEventsEmitted++
			n.stats.LastActivity = ev.Timestamp
			n.statsLock.Unlock()
		case <-n.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (n *Native) recordError() {
	n.statsLock.Lock()
	n.stats.TotalErrors++
	n.statsLock.Unlock()
}
