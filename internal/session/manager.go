package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"cc_session_hub/internal/adapter"
	"cc_session_hub/internal/bus"
	"cc_session_hub/internal/config"
	"cc_session_hub/internal/eventlog"
	"cc_session_hub/internal/metrics"
)

// Log is the event log sessions are read from and appended to.
// *eventlog.Store implements it.
type Log interface {
	Append(sessionID, cwd string, raw []byte) (eventlog.Cursor, error)
	ReadSession(sessionID string, fn func(eventlog.Record) error) ([]eventlog.Cursor, error)
	ReadFrom(path string, offset int64, fn func(eventlog.Record) error) (int64, error)
	Locate(sessionID string) []eventlog.File
	Scan() ([]eventlog.File, error)
	Summarize(f eventlog.File) (eventlog.Summary, error)
	Delete(sessionID string) error
	IsWritable(path string) bool
	Roots() []string
}

// Options configures a Manager.
type Options struct {
	Config *config.Config
	Store  Log
	// Transports overrides the transports built from Config.
	Transports map[adapter.Mode]adapter.Transport
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// indexEntry is what is known about a session that has not been loaded.
type indexEntry struct {
	summary  eventlog.Summary
	writable bool
}

// better reports whether e should replace old as the entry for a session.
// The hub's own log wins over source files.
func (e indexEntry) better(old indexEntry) bool {
	if e.writable != old.writable {
		return e.writable
	}
	return e.summary.EventCount >= old.summary.EventCount
}

// Manager is the registry of sessions. It builds its index from the event
// log on first use and keeps it current from filesystem notifications.
type Manager struct {
	cfg      *config.Config
	rt       *runtime
	store    Log
	metrics  *metrics.Metrics
	log      *zap.Logger
	mode     adapter.Mode
	pageSize int

	mu         sync.RWMutex
	populated  bool
	entries    map[string]indexEntry
	sessions   map[string]*Session
	tombstones map[string]struct{}
	scan       singleflight.Group

	lmu       sync.RWMutex
	listeners []Listener

	watcher *watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager returns a manager over store. Nothing is read until first use.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Store == nil {
		return nil, errors.New("session manager needs an event log store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config

	mode, err := adapter.ParseMode(cfg.Session.DefaultMode)
	if err != nil {
		return nil, err
	}

	transports := opts.Transports
	if transports == nil {
		transports = make(map[adapter.Mode]adapter.Transport)
		for _, m := range []adapter.Mode{adapter.ModeStructured, adapter.ModeTerminal} {
			t, err := adapter.New(m, adapter.Config{
				Binary:         cfg.Claude.Binary,
				Env:            cfg.Claude.Env,
				KeystrokeDelay: cfg.Session.KeystrokeDelay,
				Logger:         opts.Logger.Named("adapter"),
			})
			if err != nil {
				return nil, err
			}
			transports[m] = t
		}
	}

	m := &Manager{
		cfg:        cfg,
		store:      opts.Store,
		metrics:    opts.Metrics,
		log:        opts.Logger.Named("manager"),
		mode:       mode,
		pageSize:   cfg.Session.PageSize,
		entries:    make(map[string]indexEntry),
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]struct{}),
	}
	m.rt = &runtime{
		store:      opts.Store,
		transports: transports,
		launch: Launch{
			Model:          cfg.Claude.Model,
			PermissionMode: cfg.Claude.PermissionMode,
			ThinkingBudget: cfg.Claude.ThinkingBudget,
			ExtraArgs:      cfg.Claude.ExtraArgs,
		},
		policy:            cfg,
		permissionTimeout: cfg.Session.PermissionTimeout,
		grace:             cfg.Session.ShutdownGrace,
		buffer:            cfg.Session.SubscriberBuffer,
		slow:              bus.ParsePolicy(cfg.Session.SlowSubscriber),
		replayBytes:       cfg.Session.TerminalReplayBytes,
		metrics:           opts.Metrics,
		log:               opts.Logger.Named("session"),
		now:               opts.Now,
		emit:              m.emit,
	}
	return m, nil
}

// OnLifecycle registers a listener for lifecycle events.
func (m *Manager) OnLifecycle(l Listener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) emit(ev LifecycleEvent) {
	m.lmu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.lmu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

// ensurePopulated builds the index on first use. Concurrent callers share
// one scan and all wait for it. A failed scan is retried on the next call.
func (m *Manager) ensurePopulated() {
	m.mu.RLock()
	done := m.populated
	m.mu.RUnlock()
	if done {
		return
	}

	_, _, _ = m.scan.Do("scan", func() (any, error) {
		m.mu.RLock()
		done := m.populated
		m.mu.RUnlock()
		if done {
			return nil, nil
		}

		entries, err := m.scanEntries()
		if err != nil {
			m.log.Warn("session scan failed, will retry", zap.Error(err))
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		for id, e := range entries {
			if _, dead := m.tombstones[id]; dead {
				continue
			}
			if old, ok := m.entries[id]; !ok || e.better(old) {
				m.entries[id] = e
			}
		}
		m.populated = true
		m.log.Info("session index built", zap.Int("sessions", len(m.entries)))
		return nil, nil
	})
}

func (m *Manager) scanEntries() (map[string]indexEntry, error) {
	files, err := m.store.Scan()
	if err != nil {
		return nil, err
	}
	entries := make(map[string]indexEntry, len(files))
	for _, f := range files {
		sum, err := m.store.Summarize(f)
		if err != nil {
			m.log.Debug("summarize failed", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		e := indexEntry{summary: sum, writable: f.Writable}
		if old, ok := entries[f.SessionID]; !ok || e.better(old) {
			entries[f.SessionID] = e
		}
	}
	return entries, nil
}

// CreateRequest describes a new session.
type CreateRequest struct {
	WorkingDir string
	Mode       string
	Title      string
	Model      string
	Prompt     string
}

// Create registers a new session and starts its agent. If the agent cannot
// be started the session still exists, archived, and the error is returned
// with it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	mode := m.mode
	if req.Mode != "" {
		var err error
		if mode, err = adapter.ParseMode(req.Mode); err != nil {
			return nil, err
		}
	}
	m.ensurePopulated()

	id := uuid.NewString()
	s := newSession(m.rt, id, mode, req.WorkingDir, nil)
	s.hydrated = true
	if req.Model != "" {
		s.model = req.Model
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.emit(LifecycleEvent{SessionID: id, Type: Created})

	if err := s.Activate(ctx); err != nil {
		return s, err
	}
	if req.Title != "" {
		if err := s.SetTitle(req.Title); err != nil {
			return s, err
		}
	}
	if req.Prompt != "" {
		if err := s.SendText(ctx, req.Prompt); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Get returns a session, materialising a shell session for IDs that only
// exist in the event log.
func (m *Manager) Get(id string) (*Session, error) {
	m.ensurePopulated()

	m.mu.RLock()
	s, ok := m.sessions[id]
	entry, indexed := m.entries[id]
	_, dead := m.tombstones[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	if dead {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if !indexed {
		// written after the scan and not yet seen by the watcher
		files := m.store.Locate(id)
		if len(files) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		sum, err := m.store.Summarize(files[0])
		if err != nil {
			return nil, fmt.Errorf("summarize %s: %w", id, err)
		}
		entry = indexEntry{summary: sum, writable: files[0].Writable}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if _, dead := m.tombstones[id]; dead {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sum := entry.summary
	s = newSession(m.rt, id, m.mode, sum.WorkingDir, &sum)
	s.writable = entry.writable
	m.sessions[id] = s
	m.entries[id] = entry
	return s, nil
}

// Activate starts a session's agent.
func (m *Manager) Activate(ctx context.Context, id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s, s.Activate(ctx)
}

// Deactivate stops a session's agent.
func (m *Manager) Deactivate(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Deactivate()
}

// Delete stops the session, removes its log and forgets it. Source files
// are left alone; the ID stays hidden until the process restarts.
func (m *Manager) Delete(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.remove()
	if err := m.store.Delete(id); err != nil {
		m.log.Warn("delete log", zap.String("session", id), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.entries, id)
	m.tombstones[id] = struct{}{}
	m.mu.Unlock()

	m.emit(LifecycleEvent{SessionID: id, Type: Deleted})
	return nil
}

// ListRequest asks for one page of sessions.
type ListRequest struct {
	Limit  int
	Cursor string
}

// List returns a page of sessions, newest first, with sessions that share a
// first message collapsed into one.
func (m *Manager) List(req ListRequest) (Page, error) {
	start := time.Now()
	defer func() { m.metrics.ObserveList(time.Since(start)) }()

	if req.Limit <= 0 {
		req.Limit = m.pageSize
	}
	return paginate(m.snapshot(), req.Cursor, req.Limit)
}

// snapshot copies the index. Live sessions are asked for their state after
// the registry lock is released.
func (m *Manager) snapshot() []Info {
	m.ensurePopulated()

	m.mu.RLock()
	items := make([]Info, 0, len(m.entries)+len(m.sessions))
	live := make([]*Session, 0, len(m.sessions))
	for id, e := range m.entries {
		if _, ok := m.sessions[id]; ok {
			continue
		}
		info := infoFromSummary(e.summary)
		info.ID = id
		info.Mode = m.mode
		info.Writable = e.writable
		items = append(items, info)
	}
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, s := range live {
		items = append(items, s.Info())
	}
	return items
}

// Sessions returns the sessions currently loaded in memory.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Start launches the filesystem watcher and the idle janitor.
func (m *Manager) Start(ctx context.Context) error {
	m.ensurePopulated()

	w, err := newWatcher(m, m.store.Roots(), m.log.Named("watcher"))
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	m.watcher = w

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		w.run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.janitor(ctx)
	}()
	return nil
}

func (m *Manager) janitor(ctx context.Context) {
	timeout := m.cfg.Session.IdleTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(min(timeout/4, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle(m.rt.now())
		}
	}
}

// reapIdle deactivates running sessions nobody has watched or used for
// longer than the idle timeout.
func (m *Manager) reapIdle(now time.Time) int {
	timeout := m.cfg.Session.IdleTimeout
	n := 0
	for _, s := range m.Sessions() {
		if !s.idle(now, timeout) {
			continue
		}
		m.log.Info("deactivating idle session", zap.String("session", s.ID()))
		if err := s.Deactivate(); err != nil {
			m.log.Warn("deactivate idle session", zap.String("session", s.ID()), zap.Error(err))
		}
		n++
	}
	return n
}

// Shutdown stops background work and every running agent, in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		_ = m.watcher.close()
	}
	m.wg.Wait()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range m.Sessions() {
		if s.Status() != StatusActive {
			continue
		}
		g.Go(s.Deactivate)
	}
	return g.Wait()
}

// fileChanged refreshes the index after a log file was written. Only
// changes to what a listing shows are announced.
func (m *Manager) fileChanged(path string) {
	var file *eventlog.File
	id := sessionIDFromPath(path)
	for _, f := range m.store.Locate(id) {
		if f.Path == path {
			file = &f
			break
		}
	}
	if file == nil {
		return
	}

	m.mu.RLock()
	_, dead := m.tombstones[id]
	s := m.sessions[id]
	m.mu.RUnlock()
	if dead {
		return
	}
	if s != nil {
		if s.tail(path) {
			m.emit(LifecycleEvent{SessionID: id, Type: Updated})
		}
		return
	}

	sum, err := m.store.Summarize(*file)
	if err != nil {
		m.log.Debug("summarize failed", zap.String("path", path), zap.Error(err))
		return
	}
	e := indexEntry{summary: sum, writable: file.Writable}

	m.mu.Lock()
	old, existed := m.entries[id]
	replace := !existed || e.better(old)
	if replace {
		m.entries[id] = e
	}
	m.mu.Unlock()

	switch {
	case !existed:
		m.emit(LifecycleEvent{SessionID: id, Type: Created})
	case replace && (old.summary.DisplayTitle() != sum.DisplayTitle() || old.summary.FirstPrompt != sum.FirstPrompt):
		m.emit(LifecycleEvent{SessionID: id, Type: Updated})
	}
}

// fileRemoved forgets sessions whose last log file disappeared, unless they
// are loaded in memory.
func (m *Manager) fileRemoved(path string) {
	id := sessionIDFromPath(path)
	if len(m.store.Locate(id)) > 0 {
		return
	}
	m.mu.Lock()
	_, indexed := m.entries[id]
	_, loaded := m.sessions[id]
	if indexed && !loaded {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if indexed && !loaded {
		m.emit(LifecycleEvent{SessionID: id, Type: Deleted})
	}
}
