package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"cc_session_hub/internal/adapter"
	"cc_session_hub/internal/bus"
	"cc_session_hub/internal/event"
	"cc_session_hub/internal/eventlog"
	"cc_session_hub/internal/metrics"
	"cc_session_hub/internal/permission"
)

// Launch holds the agent settings applied to every activation.
type Launch struct {
	Model          string
	PermissionMode string
	ThinkingBudget int
	ExtraArgs      []string
	Env            map[string]string
}

// runtime is what sessions share with their manager.
type runtime struct {
	store      Log
	transports map[adapter.Mode]adapter.Transport
	launch     Launch
	policy     permission.Policy

	permissionTimeout time.Duration
	grace             time.Duration
	buffer            int
	slow              bus.Policy
	replayBytes       int

	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
	emit    func(LifecycleEvent)
}

// Session is one conversation with the agent. It owns at most one running
// process, the ordered history of the conversation and its live viewers.
type Session struct {
	id    string
	rt    *runtime
	log   *zap.Logger
	gate  *permission.Gate
	topic *bus.Topic[*event.Event]

	mu         sync.Mutex
	status     Status
	mode       adapter.Mode
	workingDir string
	model      string
	cols, rows uint16
	handle     adapter.Handle
	gen        int // bumped whenever the handle changes

	hydrated bool
	events   []*event.Event
	index    map[string]int // event ID -> position in events
	seen     map[string]struct{}
	summary  eventlog.Summary
	writable bool
	offsets  map[string]int64 // tail position per log file
	replay   *replayBuffer

	failed       error
	held         []*event.Event // not yet persisted because the log failed
	lastActivity time.Time
	deleted      bool
}

func newSession(rt *runtime, id string, mode adapter.Mode, workingDir string, sum *eventlog.Summary) *Session {
	s := &Session{
		id:         id,
		rt:         rt,
		log:        rt.log.With(zap.String("session", id)),
		status:     StatusArchived,
		mode:       mode,
		workingDir: workingDir,
		model:      rt.launch.Model,
		index:      make(map[string]int),
		seen:       make(map[string]struct{}),
		offsets:    make(map[string]int64),
		replay:     newReplayBuffer(rt.replayBytes),
	}
	if sum != nil {
		s.summary = *sum
	}
	s.summary.SessionID = id
	s.lastActivity = rt.now()

	s.topic = bus.NewTopic(bus.Options[*event.Event]{
		Name:      "session",
		Buffer:    rt.buffer,
		Policy:    rt.slow,
		Droppable: func(ev *event.Event) bool { return ev.Kind.Ephemeral() },
		Observer:  rt.metrics,
	})
	s.gate = permission.NewGate(permission.Options{
		Policy:   rt.policy,
		Observer: gateRecorder{s},
		Timeout:  rt.permissionTimeout,
	})
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Info reports the session's current state.
func (s *Session) Info() Info {
	// the gate calls back into the session while holding its own lock, so
	// it must not be queried with s.mu held
	pending := len(s.gate.Pending())

	s.mu.Lock()
	defer s.mu.Unlock()
	info := infoFromSummary(s.summary)
	info.Status = s.status
	info.Mode = s.mode
	info.Writable = s.writable
	if info.WorkingDir == "" {
		info.WorkingDir = s.workingDir
	}
	info.Subscribers = s.topic.Len()
	info.PendingPermissions = pending
	if s.failed != nil {
		info.Failed = s.failed.Error()
	}
	return info
}

// Status returns the lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) cwdLocked() string {
	if s.workingDir != "" {
		return s.workingDir
	}
	return s.summary.WorkingDir
}

// maxHeld bounds how many agent events are kept in memory while the event
// log is failing.
const maxHeld = 4096

// appendLocked is the single path by which events enter the session. It
// reports whether the title or first prompt changed.
func (s *Session) appendLocked(ev *event.Event, persist bool) (bool, error) {
	if ev.Kind.Ephemeral() {
		if ev.Kind == event.KindTerminal {
			s.replay.Write(ev.Data)
		}
		s.topic.Publish(ev)
		return false, nil
	}
	if _, dup := s.seen[ev.ID]; dup {
		return false, nil
	}
	if persist && s.failed != nil {
		return false, fmt.Errorf("%w: %v", ErrSessionFailed, s.failed)
	}
	if persist {
		rec := ev.Record()
		c, err := s.rt.store.Append(s.id, s.cwdLocked(), rec)
		if err != nil {
			s.failed = err
			s.rt.metrics.AppendFailed()
			s.log.Error("event log write failed, refusing input", zap.Error(err))
			s.topic.Publish(event.Error(s.id, "event log write failed: "+err.Error()))
			return false, fmt.Errorf("%w: %v", ErrSessionFailed, err)
		}
		// our own write needs no tailing
		if s.offsets[c.Path] == c.Offset-int64(len(rec)+1) {
			s.offsets[c.Path] = c.Offset
		}
		s.writable = true
		s.summary.Modified = s.rt.now()
	}
	s.seen[ev.ID] = struct{}{}

	if res, ok := event.ResolutionTarget(ev); ok {
		if i, found := s.index[res.RequestID]; found {
			s.events[i] = event.Fold(s.events[i], res)
		}
	} else {
		s.index[ev.ID] = len(s.events)
		s.events = append(s.events, ev)
	}

	title, prompt := s.summary.Title, s.summary.FirstPrompt
	s.summary.Observe(ev)
	s.lastActivity = s.rt.now()
	s.rt.metrics.EventAppended(string(ev.Kind))
	s.topic.Publish(ev)
	return title != s.summary.Title || prompt != s.summary.FirstPrompt, nil
}

// appendAgentLocked appends an event that describes something that already
// happened in the agent. While the event log is failing such events are held
// instead of lost.
func (s *Session) appendAgentLocked(ev *event.Event) (bool, error) {
	changed, err := s.appendLocked(ev, true)
	if errors.Is(err, ErrSessionFailed) {
		s.holdLocked(ev)
	}
	return changed, err
}

// holdLocked keeps an event that could not be persisted until the log
// recovers.
func (s *Session) holdLocked(ev *event.Event) {
	if len(s.held) >= maxHeld {
		s.log.Error("event log failing, dropping event",
			zap.String("event", ev.ID), zap.String("kind", string(ev.Kind)), zap.Int("held", len(s.held)))
		return
	}
	s.log.Warn("event log failing, holding event",
		zap.String("event", ev.ID), zap.String("kind", string(ev.Kind)))
	s.held = append(s.held, ev)
}

// recoverLocked clears a log failure by writing the held events in order.
// If the log still fails, the rest stay held and the session stays failed.
func (s *Session) recoverLocked() (bool, error) {
	held := s.held
	s.held = nil
	s.failed = nil
	changed := false
	for i, ev := range held {
		c, err := s.appendLocked(ev, true)
		if err != nil {
			s.held = held[i:]
			return changed, err
		}
		changed = changed || c
	}
	if len(held) > 0 {
		s.log.Info("event log recovered", zap.Int("written", len(held)))
	}
	return changed, nil
}

// Append feeds one event through the append path and persists it.
func (s *Session) Append(ev *event.Event) error {
	s.mu.Lock()
	if err := s.hydrateLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	changed, err := s.appendLocked(ev, true)
	s.mu.Unlock()
	if changed {
		s.rt.emit(LifecycleEvent{SessionID: s.id, Type: Updated})
	}
	return err
}

// hydrateLocked loads the history from the event log once. Records that
// only exist in source files are copied into the hub's own log.
func (s *Session) hydrateLocked() error {
	if s.hydrated {
		return nil
	}
	// the summary is rebuilt from the records below
	s.summary = eventlog.Summary{SessionID: s.id, Modified: s.summary.Modified}
	cursors, err := s.rt.store.ReadSession(s.id, func(rec eventlog.Record) error {
		if rec.Writable {
			s.writable = true
		}
		_, err := s.appendLocked(event.Parse(rec.Raw), !rec.Writable)
		return err
	})
	for _, c := range cursors {
		s.offsets[c.Path] = c.Offset
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", s.id, err)
	}
	s.skipSourcesLocked(false)
	s.hydrated = true
	return nil
}

// skipSourcesLocked moves tail offsets of source files to their current end.
// Unless all is set, files that already have an offset keep it.
func (s *Session) skipSourcesLocked(all bool) {
	for _, f := range s.rt.store.Locate(s.id) {
		if f.Writable {
			continue
		}
		if _, ok := s.offsets[f.Path]; ok && !all {
			continue
		}
		s.offsets[f.Path] = f.Size
	}
}

// tail reads what was appended to path since it was last read. Source
// files are skipped while a structured agent runs, since its output already
// reaches the session directly.
func (s *Session) tail(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated || s.deleted {
		return false
	}
	writable := s.rt.store.IsWritable(path)
	if !writable && s.status == StatusActive && s.mode == adapter.ModeStructured {
		s.skipSourcesLocked(true)
		return false
	}

	changed := false
	next, err := s.rt.store.ReadFrom(path, s.offsets[path], func(rec eventlog.Record) error {
		ev := event.Parse(rec.Raw)
		if rec.Writable {
			c, err := s.appendLocked(ev, false)
			changed = changed || c
			return err
		}
		c, err := s.appendAgentLocked(ev)
		changed = changed || c
		if errors.Is(err, ErrSessionFailed) {
			return nil
		}
		return err
	})
	s.offsets[path] = next
	if err != nil {
		s.log.Warn("tail failed", zap.String("path", path), zap.Error(err))
	}
	return changed
}

// Events returns the cached history in log order.
func (s *Session) Events() ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return nil, ErrNotFound
	}
	if err := s.hydrateLocked(); err != nil {
		return nil, err
	}
	return slices.Clone(s.events), nil
}

// Subscription is a viewer's attachment to a session: the history up to
// the moment of subscribing followed by everything after it, with nothing
// missed or repeated in between.
type Subscription struct {
	History []*event.Event
	// Screen is recent terminal output for redrawing a terminal view.
	Screen []byte
	Live   *bus.Subscription[*event.Event]
}

// Close detaches the viewer.
func (sub *Subscription) Close() { sub.Live.Close() }

// Subscribe attaches a viewer.
func (s *Session) Subscribe() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return nil, ErrNotFound
	}
	if err := s.hydrateLocked(); err != nil {
		return nil, err
	}
	return &Subscription{
		History: slices.Clone(s.events),
		Screen:  s.replay.Bytes(),
		Live:    s.topic.Subscribe(),
	}, nil
}

// Activate starts the agent unless it is already running. It also retries
// a previous event log failure, writing the events held since, so the
// session can accept input again.
func (s *Session) Activate(ctx context.Context) error {
	s.mu.Lock()
	var changed bool
	if s.failed != nil {
		var err error
		if changed, err = s.recoverLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	started, err := s.activateLocked(ctx)
	s.mu.Unlock()
	if changed {
		s.rt.emit(LifecycleEvent{SessionID: s.id, Type: Updated})
	}
	if started {
		s.activated()
	}
	return err
}

func (s *Session) activateLocked(ctx context.Context) (bool, error) {
	if s.deleted {
		return false, ErrNotFound
	}
	if s.status == StatusActive {
		return false, nil
	}
	if err := s.hydrateLocked(); err != nil {
		return false, err
	}
	transport, ok := s.rt.transports[s.mode]
	if !ok {
		return false, fmt.Errorf("%w: no transport for mode %q", adapter.ErrUnsupported, s.mode)
	}

	h, err := transport.Start(ctx, adapter.StartOptions{
		SessionID:      s.id,
		WorkingDir:     s.cwdLocked(),
		Resume:         s.summary.FirstMessageID != "",
		Model:          s.model,
		PermissionMode: s.rt.launch.PermissionMode,
		ThinkingBudget: s.rt.launch.ThinkingBudget,
		ExtraArgs:      s.rt.launch.ExtraArgs,
		Env:            s.rt.launch.Env,
		Cols:           s.cols,
		Rows:           s.rows,
	})
	if err != nil {
		s.topic.Publish(event.Error(s.id, "could not start agent: "+err.Error()))
		return false, fmt.Errorf("activate %s: %w", s.id, err)
	}

	s.gen++
	s.handle = h
	s.status = StatusActive
	s.lastActivity = s.rt.now()
	go s.pump(h, s.gen)
	return true, nil
}

func (s *Session) activated() {
	s.log.Info("session activated", zap.String("mode", string(s.mode)))
	s.rt.metrics.SessionActivated()
	s.rt.emit(LifecycleEvent{SessionID: s.id, Type: Activated})
}

// ensureActive returns the running handle, starting the agent first for
// shell sessions.
func (s *Session) ensureActive(ctx context.Context) (adapter.Handle, adapter.Mode, error) {
	s.mu.Lock()
	if s.failed != nil {
		err := fmt.Errorf("%w: %v", ErrSessionFailed, s.failed)
		s.mu.Unlock()
		return nil, "", err
	}
	started, err := s.activateLocked(ctx)
	h, mode := s.handle, s.mode
	s.mu.Unlock()
	if started {
		s.activated()
	}
	return h, mode, err
}

// pump moves the agent's output into the session until the process exits.
func (s *Session) pump(h adapter.Handle, gen int) {
	for out := range h.Output() {
		switch {
		case out.Event != nil:
			s.mu.Lock()
			changed, err := s.appendAgentLocked(out.Event)
			s.mu.Unlock()
			if err != nil && !errors.Is(err, ErrSessionFailed) {
				s.log.Warn("dropping agent event", zap.Error(err))
			}
			if changed {
				s.rt.emit(LifecycleEvent{SessionID: s.id, Type: Updated})
			}
		case out.Permission != nil:
			s.requestPermission(out.Permission)
		}
	}
	s.exited(gen, h.Wait())
}

// requestPermission issues the request in stream order and answers the
// agent from its own goroutine once a decision exists.
func (s *Session) requestPermission(call *adapter.PermissionCall) {
	ticket := s.gate.Issue(permission.Request{
		ID:       call.RequestID,
		ToolName: call.ToolName,
		Input:    call.Input,
		Pattern:  permission.Pattern(call.ToolName, call.Input),
	})
	go func() {
		d := ticket.Wait(call.Context())
		err := call.Respond(adapter.PermissionResponse{
			Allow:        d.Allow,
			UpdatedInput: d.UpdatedInput,
			Message:      d.Message,
		})
		if err != nil {
			s.log.Debug("permission answer not delivered", zap.String("request", call.RequestID), zap.Error(err))
		}
	}()
}

// exited handles the agent going away on its own. Exits of handles that
// were already replaced or closed are ignored.
func (s *Session) exited(gen int, exitErr error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.status = StatusDead
	if s.mode == adapter.ModeStructured {
		s.skipSourcesLocked(true)
	}
	s.mu.Unlock()

	denied := s.gate.DenyAll("agent exited")

	reason := "exited"
	if exitErr != nil {
		reason = exitErr.Error()
	}
	s.mu.Lock()
	if gen == s.gen {
		if _, err := s.appendAgentLocked(event.SessionExit(s.id, reason, s.rt.now())); err != nil {
			s.log.Warn("exit record not written", zap.Error(err))
		}
	}
	s.mu.Unlock()

	s.log.Info("agent exited", zap.String("reason", reason), zap.Int("denied", denied))
	s.rt.metrics.SessionDeactivated()
	s.rt.emit(LifecycleEvent{SessionID: s.id, Type: Deactivated})
}

// Deactivate stops the agent and keeps the history.
func (s *Session) Deactivate() error {
	h, ok := s.detach(StatusArchived)
	if !ok {
		return nil
	}
	s.gate.DenyAll("session deactivated")
	err := h.Close(s.rt.grace)

	s.mu.Lock()
	if s.mode == adapter.ModeStructured {
		s.skipSourcesLocked(true)
	}
	s.mu.Unlock()

	s.log.Info("session deactivated")
	s.rt.metrics.SessionDeactivated()
	s.rt.emit(LifecycleEvent{SessionID: s.id, Type: Deactivated})
	return err
}

// detach takes the handle away from the session, leaving it in status.
func (s *Session) detach(status Status) (adapter.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return nil, false
	}
	h := s.handle
	s.handle = nil
	s.status = status
	s.gen++
	return h, true
}

// remove shuts the session down for good and disconnects every viewer.
func (s *Session) remove() {
	h, ok := s.detach(StatusArchived)
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()

	s.gate.DenyAll("session deleted")
	if ok {
		if err := h.Close(s.rt.grace); err != nil {
			s.log.Warn("close on delete", zap.Error(err))
		}
		s.rt.metrics.SessionDeactivated()
	}
	s.topic.Close()
}

// SendText submits a message typed by a viewer. Structured sessions record
// the message themselves since the agent does not echo its input.
func (s *Session) SendText(ctx context.Context, text string) error {
	h, mode, err := s.ensureActive(ctx)
	if err != nil {
		return err
	}
	if mode == adapter.ModeStructured {
		s.mu.Lock()
		parent := ""
		if n := len(s.events); n > 0 {
			parent = s.events[n-1].ID
		}
		_, err := s.appendLocked(event.UserInput(s.id, parent, text, s.rt.now()), true)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if err := h.Send(ctx, adapter.Input{Text: text}); err != nil {
		s.publishError("send failed: " + err.Error())
		return fmt.Errorf("send to %s: %w", s.id, err)
	}
	return nil
}

// SendKeys forwards raw keystrokes to a terminal session.
func (s *Session) SendKeys(ctx context.Context, keys []byte) error {
	h, _, err := s.ensureActive(ctx)
	if err != nil {
		return err
	}
	return h.Send(ctx, adapter.Input{Raw: keys})
}

// Decide answers a pending permission request.
func (s *Session) Decide(requestID string, d permission.Decision) error {
	if err := s.gate.Decide(requestID, d); err != nil {
		return fmt.Errorf("decide %s: %w", requestID, err)
	}
	return nil
}

// PendingPermissions lists undecided permission requests.
func (s *Session) PendingPermissions() []permission.Request {
	return s.gate.Pending()
}

// Interrupt aborts the agent's current turn without stopping it.
func (s *Session) Interrupt(ctx context.Context) error {
	h := s.current()
	if h == nil {
		return ErrInactive
	}
	return h.Interrupt(ctx)
}

// SetModel switches the model. Inactive sessions use it on their next
// activation.
func (s *Session) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	s.model = model
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.SetModel(ctx, model)
}

// Resize sets the terminal size, now and for later activations.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Resize(cols, rows)
}

// SetTitle renames the session.
func (s *Session) SetTitle(title string) error {
	return s.Append(event.CustomTitle(s.id, title, s.rt.now()))
}

func (s *Session) current() adapter.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) publishError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topic.Publish(event.Error(s.id, msg))
}

// idle reports whether the agent is running with nobody watching and no
// activity for longer than timeout.
func (s *Session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive && s.topic.Len() == 0 && now.Sub(s.lastActivity) > timeout
}

// gateRecorder writes the permission records for the session's gate.
type gateRecorder struct{ s *Session }

func (r gateRecorder) Issued(req permission.Request) {
	r.s.record(event.PermissionRequest(event.PermissionRecord{
		SessionID: r.s.id,
		RequestID: req.ID,
		ToolName:  req.ToolName,
		Pattern:   req.Pattern,
		Input:     req.Input,
	}, req.Issued))
}

func (r gateRecorder) Resolved(req permission.Request, d permission.Decision, issued bool) {
	r.s.rt.metrics.PermissionResolved(string(d.Reason))
	now := r.s.rt.now()
	if issued {
		r.s.record(event.PermissionResolution(r.s.id, req.ID, d.Allow, d.AlwaysAllow, d.Message, now))
		return
	}
	status := event.StatusDeny
	if d.Allow {
		status = event.StatusAllow
	}
	r.s.record(event.PermissionRequest(event.PermissionRecord{
		SessionID: r.s.id,
		RequestID: req.ID,
		ToolName:  req.ToolName,
		Pattern:   req.Pattern,
		Input:     req.Input,
		Status:    status,
		Auto:      true,
		Message:   d.Message,
	}, now))
}

func (s *Session) record(ev *event.Event) {
	s.mu.Lock()
	_, err := s.appendAgentLocked(ev)
	s.mu.Unlock()
	if err != nil && !errors.Is(err, ErrSessionFailed) {
		s.log.Warn("permission record not written", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
