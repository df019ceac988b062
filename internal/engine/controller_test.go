package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/procwatch/internal/collector"
	"github.com/houzhh15/procwatch/internal/event"
	"github.com/houzhh15/procwatch/internal/observer"
	"github.com/houzhh15/procwatch/internal/registry"
)

const waitFor = 3 * time.Second

// fakeSource 记录控制器对事件源的调用
type fakeSource struct {
	name     string
	startErr error
	events   chan event.ProcessEvent

	mu         sync.Mutex
	started    bool
	stopped    int
	updates    []registry.WatchList
	reconciles [][]string
}

func newFakeSource(name string, startErr error) *fakeSource {
	return &fakeSource{name: name, startErr: startErr, events: make(chan event.ProcessEvent, 16)}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Start(context.Context, registry.WatchList) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeSource) Events() <-chan event.ProcessEvent { return f.events }

func (f *fakeSource) Update(_ context.Context, watch registry.WatchList) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, watch)
	return nil
}

func (f *fakeSource) Reconcile(_ context.Context, names []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles = append(f.reconciles, append([]string(nil), names...))
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return collector.ErrNotStarted
	}
	f.stopped++
	return nil
}

func (f *fakeSource) snapshot() (updates []registry.WatchList, reconciles [][]string, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.WatchList(nil), f.updates...),
		append([][]string(nil), f.reconciles...),
		f.stopped
}

// recordingDispatcher 记录分发的事件及当时的注册表
type recordingDispatcher struct {
	mu      sync.Mutex
	events  []event.ProcessEvent
	handled []int
	panicOn int // 第 N 次分发时 panic，0 表示不 panic
}

func (d *recordingDispatcher) Dispatch(ev event.ProcessEvent, reg *registry.Registry) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	if d.panicOn == len(d.events) {
		panic("handler table corrupted")
	}
	n := 0
	if _, ok := reg.Lookup(ev.ProcessName, registry.KindUniversal); ok {
		n++
	}
	d.handled = append(d.handled, n)
	return n
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

// stateRecorder 记录状态序列
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func writeHandlers(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

type harness struct {
	dir        string
	ctrl       *Controller
	sources    map[string]*fakeSource
	dispatcher *recordingDispatcher
	states     *stateRecorder
	errCh      chan error
}

func newHarness(t *testing.T, nativeErr error, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		dir: t.TempDir(),
		sources: map[string]*fakeSource{
			StrategyNative: newFakeSource(StrategyNative, nativeErr),
			StrategyPoll:   newFakeSource(StrategyPoll, nil),
		},
		dispatcher: &recordingDispatcher{},
		states:     &stateRecorder{},
		errCh:      make(chan error, 1),
	}
	opts := Options{
		HandlersDir:         h.dir,
		Scan:                registry.ScanOptions{ScriptExtensions: []string{".ps1", ".sh"}},
		EmptyRescanInterval: 50 * time.Millisecond,
		NewSource:           func(name string) collector.Source { return h.sources[name] },
		Dispatcher:          h.dispatcher,
		OnStateChange:       h.states.record,
	}
	if configure != nil {
		configure(&opts)
	}
	h.ctrl = New(opts)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	go func() { h.errCh <- h.ctrl.Run(context.Background()) }()
	t.Cleanup(func() {
		h.ctrl.Stop()
		<-h.ctrl.Done()
	})
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.State() == s },
		waitFor, 5*time.Millisecond, "state %s not reached", s)
}

func TestController_NotepadEndToEnd(t *testing.T) {
	h := newHarness(t, nil, nil)
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	native := h.sources[StrategyNative]
	_, reconciles, _ := native.snapshot()
	require.Len(t, reconciles, 1, "entering Running reconciles every watched name")
	assert.Equal(t, []string{"notepad"}, reconciles[0])
	assert.Equal(t, "native", h.ctrl.GetStats().Strategy)

	native.events <- event.Started("notepad", 5000, `C:\Windows\notepad.exe`, time.Now())
	native.events <- event.Stopped("notepad", 5000, time.Now())

	require.Eventually(t, func() bool { return h.dispatcher.count() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []int{1, 1}, h.dispatcher.handled)
	assert.Equal(t, uint64(2), h.ctrl.GetStats().Dispatches)
}

func TestController_HotReloadAddsName(t *testing.T) {
	h := newHarness(t, nil, nil)
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	writeHandlers(t, h.dir, "start.chrome.ps1")
	h.ctrl.NotifyChange()

	native := h.sources[StrategyNative]
	require.Eventually(t, func() bool {
		updates, _, _ := native.snapshot()
		return len(updates) == 1
	}, waitFor, 5*time.Millisecond)

	updates, reconciles, _ := native.snapshot()
	assert.Equal(t, registry.NewWatchList("chrome", "notepad"), updates[0])
	require.Len(t, reconciles, 2)
	assert.Equal(t, []string{"chrome"}, reconciles[1], "only newly added names are reconciled")

	_, ok := h.ctrl.Registry().Lookup("chrome", registry.KindStart)
	assert.True(t, ok)
	assert.Equal(t, StateRunning, h.ctrl.State())
}

func TestController_UnchangedReloadDoesNotUpdateSource(t *testing.T) {
	h := newHarness(t, nil, nil)
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	// end.notepad 不改变监视列表
	writeHandlers(t, h.dir, "end.notepad.sh")
	h.ctrl.NotifyChange()

	require.Eventually(t, func() bool {
		_, ok := h.ctrl.Registry().Lookup("notepad", registry.KindEnd)
		return ok
	}, waitFor, 5*time.Millisecond)
	updates, _, _ := h.sources[StrategyNative].snapshot()
	assert.Empty(t, updates)
}

func TestController_FallsBackToPolling(t *testing.T) {
	h := newHarness(t, collector.ErrNotSupported, nil)
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	assert.Equal(t, "poll", h.ctrl.GetStats().Strategy)

	poll := h.sources[StrategyPoll]
	poll.events <- event.Started("notepad", 1, "", time.Now())
	require.Eventually(t, func() bool { return h.dispatcher.count() == 1 }, waitFor, 5*time.Millisecond)
}

func TestController_PollStrategySkipsNative(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.Strategy = StrategyPoll })
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	assert.Equal(t, "poll", h.ctrl.GetStats().Strategy)
	h.sources[StrategyNative].mu.Lock()
	assert.False(t, h.sources[StrategyNative].started)
	h.sources[StrategyNative].mu.Unlock()
}

func TestController_NoSourceIsError(t *testing.T) {
	h := newHarness(t, collector.ErrNotSupported, nil)
	h.sources[StrategyPoll].startErr = errors.New("boom")
	writeHandlers(t, h.dir, "notepad.ps1")

	err := h.ctrl.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSource)
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestController_EmptyDirectoryIdles(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.run(t)
	h.waitState(t, StateWatchListEmpty)

	// 多个重扫周期内保持等待，不报错
	require.Eventually(t, func() bool { return h.ctrl.GetStats().Rescans >= 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateWatchListEmpty, h.ctrl.State())
	select {
	case err := <-h.errCh:
		t.Fatalf("Run returned early: %v", err)
	default:
	}

	writeHandlers(t, h.dir, "notepad.ps1")
	h.ctrl.NotifyChange()
	h.waitState(t, StateRunning)
}

func TestController_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	h.ctrl.Stop()
	h.ctrl.Stop()
	<-h.ctrl.Done()

	require.NoError(t, <-h.errCh)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Empty(t, h.ctrl.WatchList())
	assert.Zero(t, h.ctrl.Registry().Len())

	_, _, stopped := h.sources[StrategyNative].snapshot()
	assert.Equal(t, 1, stopped)

	states := h.states.seen()
	assert.Equal(t, []State{
		StateScanning, StateSubscribingEvents, StateRunning, StateStopping, StateIdle,
	}, states)

	assert.ErrorIs(t, h.ctrl.Run(context.Background()), ErrAlreadyRun)
}

func TestController_RecoversFromDispatchPanic(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.dispatcher.panicOn = 1
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	native := h.sources[StrategyNative]
	native.events <- event.Started("notepad", 1, "", time.Now())
	native.events <- event.Started("notepad", 2, "", time.Now())

	require.Eventually(t, func() bool { return h.dispatcher.count() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.ctrl.GetStats().Recovered)
	assert.Equal(t, StateRunning, h.ctrl.State())
}

func TestController_SourceFailureSwitchesToPolling(t *testing.T) {
	h := newHarness(t, nil, nil)
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	// 原生事件源意外结束
	close(h.sources[StrategyNative].events)

	require.Eventually(t, func() bool { return h.ctrl.GetStats().Strategy == "poll" }, waitFor, 5*time.Millisecond)
	h.waitState(t, StateRunning)

	h.sources[StrategyPoll].events <- event.Stopped("notepad", 9, time.Now())
	require.Eventually(t, func() bool { return h.dispatcher.count() == 1 }, waitFor, 5*time.Millisecond)
}

func TestController_IdenticalRescanKeepsSnapshot(t *testing.T) {
	h := newHarness(t, nil, nil)
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	before := h.ctrl.Registry()
	rescans := h.ctrl.GetStats().Rescans
	h.ctrl.NotifyChange()

	require.Eventually(t, func() bool { return h.ctrl.GetStats().Rescans > rescans }, waitFor, 5*time.Millisecond)
	assert.Same(t, before, h.ctrl.Registry())
	updates, reconciles, _ := h.sources[StrategyNative].snapshot()
	assert.Empty(t, updates)
	assert.Len(t, reconciles, 1)
}

func TestController_UnreadableDirectoryKeepsPreviousHandlers(t *testing.T) {
	h := newHarness(t, nil, nil)
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	require.NoError(t, os.RemoveAll(h.dir))
	rescans := h.ctrl.GetStats().Rescans
	h.ctrl.NotifyChange()

	require.Eventually(t, func() bool { return h.ctrl.GetStats().Rescans > rescans }, waitFor, 5*time.Millisecond)
	assert.Equal(t, registry.NewWatchList("notepad"), h.ctrl.WatchList())
	_, ok := h.ctrl.Registry().Lookup("notepad", registry.KindUniversal)
	assert.True(t, ok)
	assert.Equal(t, StateRunning, h.ctrl.State())
	updates, _, _ := h.sources[StrategyNative].snapshot()
	assert.Empty(t, updates)

	// 目录恢复后的下一次变更照常生效
	require.NoError(t, os.MkdirAll(h.dir, 0o755))
	writeHandlers(t, h.dir, "notepad.ps1", "start.chrome.ps1")
	h.ctrl.NotifyChange()

	require.Eventually(t, func() bool {
		updates, _, _ := h.sources[StrategyNative].snapshot()
		return len(updates) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, registry.NewWatchList("chrome", "notepad"), h.ctrl.WatchList())
}

// failingObserver 启动总是失败的目录观察者
type failingObserver struct {
	mu     sync.Mutex
	closed int
}

func (f *failingObserver) Start(context.Context, func()) error {
	return errors.New("inotify limit reached")
}

func (f *failingObserver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func TestController_ObserverStartFailureStillRuns(t *testing.T) {
	obs := &failingObserver{}
	h := newHarness(t, nil, func(o *Options) { o.Observer = obs })
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	assert.Equal(t, registry.NewWatchList("notepad"), h.ctrl.WatchList())

	h.ctrl.Stop()
	<-h.ctrl.Done()
	require.NoError(t, <-h.errCh)
	obs.mu.Lock()
	assert.Equal(t, 1, obs.closed)
	obs.mu.Unlock()
}

func TestController_DirectoryObserverTriggersReload(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.Observer = observer.New(o.HandlersDir, observer.Options{SettleDelay: 50 * time.Millisecond})
	})
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)
	h.waitState(t, StateRunning)

	writeHandlers(t, h.dir, "start.chrome.ps1")

	require.Eventually(t, func() bool {
		return h.ctrl.WatchList().Contains("chrome")
	}, waitFor, 10*time.Millisecond)

	updates, _, _ := h.sources[StrategyNative].snapshot()
	require.NotEmpty(t, updates)
	assert.Equal(t, registry.NewWatchList("chrome", "notepad"), updates[len(updates)-1])
}

// staticLister 固定的进程列表
type staticLister struct {
	procs []collector.ProcessInfo
}

func (l staticLister) List(_ context.Context, names map[string]struct{}) ([]collector.ProcessInfo, error) {
	var out []collector.ProcessInfo
	for _, p := range l.procs {
		if _, ok := names[p.Name]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (l staticLister) Lookup(context.Context, int) (collector.ProcessInfo, error) {
	return collector.ProcessInfo{}, errors.New("not found")
}

func TestController_ReconcilesPreexistingProcessesWithPoller(t *testing.T) {
	lister := staticLister{procs: []collector.ProcessInfo{
		{PID: 4242, Name: "notepad", Exe: "/usr/bin/notepad"},
		{PID: 4343, Name: "calc"},
	}}
	h := newHarness(t, nil, func(o *Options) {
		o.Strategy = StrategyPoll
		o.NewSource = func(string) collector.Source {
			return collector.NewPoller(collector.SourceConfig{PollInterval: time.Hour}, lister, nil, nil)
		}
	})
	writeHandlers(t, h.dir, "notepad.ps1")
	h.run(t)

	require.Eventually(t, func() bool { return h.dispatcher.count() == 1 }, waitFor, 5*time.Millisecond)
	h.dispatcher.mu.Lock()
	ev := h.dispatcher.events[0]
	h.dispatcher.mu.Unlock()
	assert.Equal(t, "notepad", ev.ProcessName)
	assert.Equal(t, 4242, ev.PID)
	assert.True(t, ev.Reconciled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "WatchListEmpty", StateWatchListEmpty.String())
	assert.Equal(t, "SubscribingEvents", StateSubscribingEvents.String())
	assert.Equal(t, "Unknown", State(99).String())
}
