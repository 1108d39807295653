package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cc_session_hub/internal/adapter"
	"cc_session_hub/internal/config"
	"cc_session_hub/internal/event"
	"cc_session_hub/internal/eventlog"
)

type fakeHandle struct {
	out  chan adapter.Output
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	sent       []adapter.Input
	models     []string
	interrupts int
	closed     bool
	exitErr    error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{out: make(chan adapter.Output, 64), done: make(chan struct{})}
}

func (h *fakeHandle) Output() <-chan adapter.Output { return h.out }

func (h *fakeHandle) Send(_ context.Context, in adapter.Input) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, in)
	return nil
}

func (h *fakeHandle) Interrupt(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupts++
	return nil
}

func (h *fakeHandle) SetModel(_ context.Context, model string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.models = append(h.models, model)
	return nil
}

func (h *fakeHandle) Resize(uint16, uint16) error { return nil }

func (h *fakeHandle) Close(time.Duration) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.exit(nil)
	return nil
}

func (h *fakeHandle) Wait() error {
	<-h.done
	return h.exitErr
}

func (h *fakeHandle) PID() int { return 4242 }

// exit ends the fake process as if it had stopped with err.
func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.exitErr = err
		close(h.out)
		close(h.done)
	})
}

func (h *fakeHandle) emit(ev *event.Event) { h.out <- adapter.Output{Event: ev} }

func (h *fakeHandle) ask(call *adapter.PermissionCall) { h.out <- adapter.Output{Permission: call} }

func (h *fakeHandle) inputs() []adapter.Input {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]adapter.Input(nil), h.sent...)
}

type fakeTransport struct {
	mu      sync.Mutex
	err     error
	starts  []adapter.StartOptions
	handles []*fakeHandle
}

func (f *fakeTransport) Mode() adapter.Mode { return adapter.ModeStructured }

func (f *fakeTransport) Start(_ context.Context, opts adapter.StartOptions) (adapter.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, opts)
	if f.err != nil {
		return nil, f.err
	}
	h := newFakeHandle()
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeTransport) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

func (f *fakeTransport) started() []adapter.StartOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.StartOptions(nil), f.starts...)
}

// flakyLog fails appends while fail is set and counts scans. A scan waits
// for hold to be closed when hold is set.
type flakyLog struct {
	Log

	mu    sync.Mutex
	fail  error
	scans int
	hold  chan struct{}
}

func (l *flakyLog) setFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *flakyLog) Append(sessionID, cwd string, raw []byte) (eventlog.Cursor, error) {
	l.mu.Lock()
	err := l.fail
	l.mu.Unlock()
	if err != nil {
		return eventlog.Cursor{}, err
	}
	return l.Log.Append(sessionID, cwd, raw)
}

func (l *flakyLog) Scan() ([]eventlog.File, error) {
	l.mu.Lock()
	l.scans++
	hold := l.hold
	l.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return l.Log.Scan()
}

func (l *flakyLog) scanCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scans
}

type env struct {
	dir    string
	source string
	cfg    *config.Config
	store  *eventlog.Store
	log    *flakyLog
	agent  *fakeTransport
	m      *Manager
	lc     *lifecycleLog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{dir: dir, source: filepath.Join(dir, "claude")}
	e.cfg = config.DefaultConfig()
	e.cfg.DataDir = filepath.Join(dir, "hub")
	e.cfg.SourceDirs = []string{e.source}
	e.cfg.Session.ShutdownGrace = 10 * time.Millisecond
	e.store, e.agent, e.m, e.lc = e.open(t)
	return e
}

// open builds a fresh store and manager over the env's directories, as a
// restarted process would.
func (e *env) open(t *testing.T) (*eventlog.Store, *fakeTransport, *Manager, *lifecycleLog) {
	t.Helper()
	store, err := eventlog.Open(eventlog.Options{Root: e.cfg.DataDir, Sources: e.cfg.SourceDirs})
	if err != nil {
		t.Fatalf("eventlog.Open() error = %v", err)
	}
	agent := &fakeTransport{}
	e.log = &flakyLog{Log: store}
	m, err := NewManager(Options{
		Config: e.cfg,
		Store:  e.log,
		Transports: map[adapter.Mode]adapter.Transport{
			adapter.ModeStructured: agent,
			adapter.ModeTerminal:   agent,
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	lc := &lifecycleLog{}
	m.OnLifecycle(lc.listen)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		_ = store.Close()
	})
	return store, agent, m, lc
}

// writeSource writes a transcript the way the agent itself would.
func (e *env) writeSource(t *testing.T, cwd, id string, lines ...string) string {
	t.Helper()
	path := filepath.Join(e.source, eventlog.EncodeDir(cwd), id+".jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

type lifecycleLog struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (l *lifecycleLog) listen(ev LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *lifecycleLog) count(id string, typ LifecycleType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.SessionID == id && ev.Type == typ {
			n++
		}
	}
	return n
}

func message(kind, id string) string {
	return fmt.Sprintf(`{"type":%q,"uuid":%q,"timestamp":"2026-03-04T05:06:07Z","cwd":"/work","message":{"role":%q,"content":"message %s"}}`,
		kind, id, kind, id)
}

func msg(kind, id string) *event.Event {
	return event.Parse([]byte(message(kind, id)))
}

func next(t *testing.T, sub *Subscription) *event.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Live.C:
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Live.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func kinds(events []*event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}
