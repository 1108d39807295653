package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"cc_session_hub/internal/adapter"
	"cc_session_hub/internal/event"
	"cc_session_hub/internal/eventlog"
	"cc_session_hub/internal/permission"
)

type answerLog struct {
	mu  sync.Mutex
	got map[string]adapter.PermissionResponse
}

func (a *answerLog) call(id, tool, input string) *adapter.PermissionCall {
	return adapter.NewPermissionCall(id, tool, json.RawMessage(input), func(r adapter.PermissionResponse) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.got == nil {
			a.got = make(map[string]adapter.PermissionResponse)
		}
		a.got[id] = r
		return nil
	})
}

func (a *answerLog) get(id string) (adapter.PermissionResponse, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.got[id]
	return r, ok
}

func permissionStatus(t *testing.T, ev *event.Event) string {
	t.Helper()
	var rec event.PermissionRecord
	if err := json.Unmarshal(ev.Raw, &rec); err != nil {
		t.Fatalf("permission record %s: %v", ev.Raw, err)
	}
	return rec.Status
}

func ids(events []*event.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func create(t *testing.T, e *env) *Session {
	t.Helper()
	s, err := e.m.Create(context.Background(), CreateRequest{WorkingDir: "/work"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s
}

func subscribe(t *testing.T, s *Session) *Subscription {
	t.Helper()
	sub, err := s.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	t.Cleanup(sub.Close)
	return sub
}

func TestAppendIsIdempotent(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)

	for range 2 {
		if err := s.Append(msg("user", "a")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	events, err := s.Events()
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Events() has %d events, want 1", len(events))
	}

	lines := 0
	if _, err := e.store.ReadSession(s.ID(), func(eventlog.Record) error {
		lines++
		return nil
	}); err != nil {
		t.Fatalf("ReadSession() error = %v", err)
	}
	if lines != 1 {
		t.Errorf("log has %d lines, want 1", lines)
	}
}

func TestLiveEventsFollowAgentOrder(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)
	if len(sub.History) != 0 {
		t.Fatalf("History = %v, want empty", ids(sub.History))
	}

	h := e.agent.last()
	h.emit(msg("user", "a"))
	h.emit(event.Parse([]byte(`{"type":"stream_event","event":{"type":"content_block_delta"}}`)))
	h.emit(msg("assistant", "b"))
	h.emit(msg("assistant", "c"))

	want := []event.Kind{event.KindUser, event.KindDelta, event.KindAssistant, event.KindAssistant}
	var got []event.Kind
	for range want {
		got = append(got, next(t, sub).Kind)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("live kinds = %v, want %v", got, want)
	}

	later := subscribe(t, s)
	if got, want := ids(later.History), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("History = %v, want %v", got, want)
	}
}

func TestAgentExitMarksSessionDead(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)
	h := e.agent.last()

	h.emit(msg("user", "a"))
	next(t, sub)
	h.exit(errors.New("signal: killed"))

	exit := next(t, sub)
	if exit.Kind != event.KindSystem || !strings.Contains(string(exit.Raw), "session_exit") {
		t.Fatalf("got %s, want a session_exit record", exit.Raw)
	}
	eventually(t, "deactivated lifecycle event", func() bool {
		return e.lc.count(s.ID(), Deactivated) == 1
	})
	if got := s.Status(); got != StatusDead {
		t.Errorf("Status() = %q, want %q", got, StatusDead)
	}

	if err := s.Deactivate(); err != nil {
		t.Errorf("Deactivate() error = %v", err)
	}
	if n := e.lc.count(s.ID(), Deactivated); n != 1 {
		t.Errorf("got %d deactivated events, want 1", n)
	}

	_, _, restarted, _ := e.open(t)
	reloaded, err := restarted.Get(s.ID())
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}
	events, err := reloaded.Events()
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if got, want := kinds(events), []event.Kind{event.KindUser, event.KindSystem}; !reflect.DeepEqual(got, want) {
		t.Errorf("reloaded kinds = %v, want %v", got, want)
	}
}

func TestUnknownRecordsKeepTheirBytes(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)

	raw := `{"type":"future_thing","uuid":"u1","nested":{"b":2,"a":1},"list":[1, 2,  3]}`
	e.agent.last().emit(event.Parse([]byte(raw)))
	if ev := next(t, sub); ev.Kind != event.KindUnknown {
		t.Fatalf("Kind = %q, want %q", ev.Kind, event.KindUnknown)
	}

	_, _, restarted, _ := e.open(t)
	reloaded, err := restarted.Get(s.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	events, err := reloaded.Events()
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	out, err := events[0].MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != raw {
		t.Errorf("MarshalJSON() = %s, want %s", out, raw)
	}
}

func TestUnparsedAgentOutputIsNotFatal(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)
	h := e.agent.last()

	progress := "progress 10%\rprogress 20%"
	h.emit(event.Parse([]byte(progress)))
	h.emit(msg("assistant", "a1"))
	if ev := next(t, sub); ev.Kind != event.KindUnknown {
		t.Fatalf("first event Kind = %q, want %q", ev.Kind, event.KindUnknown)
	}
	if ev := next(t, sub); ev.ID != "a1" {
		t.Fatalf("second event = %q, want a1", ev.ID)
	}
	if failed := s.Info().Failed; failed != "" {
		t.Fatalf("Info().Failed = %q after unparsed output", failed)
	}
	if err := s.SendText(context.Background(), "still there?"); err != nil {
		t.Errorf("SendText() error = %v", err)
	}

	events, err := s.Events()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := json.Marshal(events); err != nil {
		t.Errorf("json.Marshal(history) error = %v", err)
	}

	_, _, restarted, _ := e.open(t)
	reloaded, err := restarted.Get(s.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	events, err = reloaded.Events()
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events after restart, want at least 2", len(events))
	}
	if string(events[0].Raw) != progress {
		t.Errorf("reloaded Raw = %q, want %q", events[0].Raw, progress)
	}
	if events[1].ID != "a1" {
		t.Errorf("reloaded second event = %q, want a1", events[1].ID)
	}
}

func TestOwnWritesAreNotTailed(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)

	e.agent.last().emit(msg("assistant", "a1"))
	next(t, sub)

	files := e.store.Locate(s.ID())
	if len(files) == 0 || !files[0].Writable {
		t.Fatalf("Locate() = %+v, want the hub's log first", files)
	}
	info, err := os.Stat(files[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	offset := s.offsets[files[0].Path]
	s.mu.Unlock()
	if offset != info.Size() {
		t.Errorf("tail offset = %d, want %d (end of own log)", offset, info.Size())
	}
	if s.tail(files[0].Path) {
		t.Error("tail() reported a change for records the session wrote itself")
	}
}

func TestLogFailureHoldsEventsUntilActivate(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)
	h := e.agent.last()

	e.log.setFail(errors.New("disk full"))
	h.emit(msg("assistant", "a1"))
	if ev := next(t, sub); ev.Kind != event.KindError {
		t.Fatalf("got %q, want an error notice", ev.Kind)
	}
	h.emit(msg("assistant", "a2"))
	eventually(t, "both events held", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.held) == 2
	})
	if err := s.SendText(context.Background(), "hello"); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("SendText() error = %v, want ErrSessionFailed", err)
	}

	e.log.setFail(nil)
	if err := s.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if failed := s.Info().Failed; failed != "" {
		t.Errorf("Info().Failed = %q after recovery", failed)
	}
	events, err := s.Events()
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(events); !reflect.DeepEqual(got, []string{"a1", "a2"}) {
		t.Errorf("Events() = %v, want [a1 a2]", got)
	}

	_, _, restarted, _ := e.open(t)
	reloaded, err := restarted.Get(s.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	events, err = reloaded.Events()
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(events); !reflect.DeepEqual(got, []string{"a1", "a2"}) {
		t.Errorf("persisted events = %v, want [a1 a2]", got)
	}
}

func TestRefusedInputIsNotRecordedLater(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	h := e.agent.last()

	e.log.setFail(errors.New("disk full"))
	if err := s.SendText(context.Background(), "hello"); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("SendText() error = %v, want ErrSessionFailed", err)
	}
	if got := h.inputs(); len(got) != 0 {
		t.Errorf("agent input = %+v, want none", got)
	}

	e.log.setFail(nil)
	if err := s.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	events, err := s.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("Events() = %v, want none", kinds(events))
	}
}

func TestLogFailureRefusesInput(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)

	if err := e.store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(msg("user", "a")); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("Append() error = %v, want ErrSessionFailed", err)
	}
	if ev := next(t, sub); ev.Kind != event.KindError {
		t.Errorf("got %q, want an error notice", ev.Kind)
	}
	if err := s.SendText(context.Background(), "hello"); !errors.Is(err, ErrSessionFailed) {
		t.Errorf("SendText() error = %v, want ErrSessionFailed", err)
	}
	if len(e.agent.last().inputs()) != 0 {
		t.Error("input reached the agent after the log failed")
	}
	if s.Info().Failed == "" {
		t.Error("Info().Failed is empty")
	}
}

func TestPermissionRequestsInStreamOrder(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)
	h := e.agent.last()
	answers := &answerLog{}

	h.emit(msg("user", "A"))
	h.emit(msg("assistant", "B"))
	h.ask(answers.call("P", "Bash", `{"command":"ls -la"}`))
	for _, want := range []string{"A", "B", "P"} {
		if ev := next(t, sub); ev.ID != want {
			t.Fatalf("got %q, want %q", ev.ID, want)
		}
	}
	if pending := s.PendingPermissions(); len(pending) != 1 || pending[0].ID != "P" {
		t.Fatalf("PendingPermissions() = %v", pending)
	}

	if err := s.Decide("P", permission.Decision{Allow: true, AlwaysAllow: true}); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if ev := next(t, sub); ev.Kind != event.KindPermissionResolved {
		t.Fatalf("got %q, want the resolution", ev.Kind)
	}

	h.emit(msg("assistant", "C"))
	h.ask(answers.call("P2", "Bash", `{"command":"pwd"}`))
	if ev := next(t, sub); ev.ID != "C" {
		t.Fatalf("got %q, want C", ev.ID)
	}
	p2 := next(t, sub)
	if p2.ID != "P2" || permissionStatus(t, p2) != event.StatusAllow {
		t.Fatalf("got %s, want P2 already allowed", p2.Raw)
	}

	for _, id := range []string{"P", "P2"} {
		eventually(t, "answer to "+id, func() bool {
			_, ok := answers.get(id)
			return ok
		})
		if r, _ := answers.get(id); !r.Allow {
			t.Errorf("%s answered %+v, want allow", id, r)
		}
	}

	later := subscribe(t, s)
	if got, want := ids(later.History), []string{"A", "B", "P", "C", "P2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("History = %v, want %v", got, want)
	}
	for _, i := range []int{2, 4} {
		if got := permissionStatus(t, later.History[i]); got != event.StatusAllow {
			t.Errorf("History[%d] status = %q, want allow", i, got)
		}
	}

	// the agent replaying what it already sent changes nothing
	h.emit(msg("user", "A"))
	h.emit(msg("assistant", "B"))
	h.emit(msg("assistant", "D"))
	if ev := next(t, sub); ev.ID != "D" {
		t.Errorf("got %q, want D", ev.ID)
	}
}

func TestAlwaysAllowGrantsPendingRequests(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)
	h := e.agent.last()
	answers := &answerLog{}

	for _, id := range []string{"E1", "E2", "E3"} {
		h.ask(answers.call(id, "Edit", `{"file_path":"/work/main.go"}`))
		next(t, sub)
	}
	if n := len(s.PendingPermissions()); n != 3 {
		t.Fatalf("got %d pending, want 3", n)
	}

	if err := s.Decide("E1", permission.Decision{Allow: true, AlwaysAllow: true}); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	for range 3 {
		if ev := next(t, sub); ev.Kind != event.KindPermissionResolved {
			t.Fatalf("got %q, want a resolution", ev.Kind)
		}
	}
	if n := len(s.PendingPermissions()); n != 0 {
		t.Errorf("got %d pending, want 0", n)
	}
	for _, id := range []string{"E1", "E2", "E3"} {
		eventually(t, "answer to "+id, func() bool {
			r, ok := answers.get(id)
			return ok && r.Allow
		})
	}
}

func TestDeactivateDeniesPending(t *testing.T) {
	e := newEnv(t)
	s := create(t, e)
	sub := subscribe(t, s)
	h := e.agent.last()
	answers := &answerLog{}

	h.ask(answers.call("R", "Write", `{"file_path":"/work/x"}`))
	next(t, sub)

	if err := s.Deactivate(); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	eventually(t, "denial", func() bool {
		r, ok := answers.get("R")
		return ok && !r.Allow
	})
	if got := s.Status(); got != StatusArchived {
		t.Errorf("Status() = %q, want %q", got, StatusArchived)
	}
	if n := e.lc.count(s.ID(), Deactivated); n != 1 {
		t.Errorf("got %d deactivated events, want 1", n)
	}

	events, err := s.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || permissionStatus(t, events[0]) != event.StatusDeny {
		t.Errorf("history = %v, want one denied request", ids(events))
	}
}

func TestCreateSendsTitleAndPrompt(t *testing.T) {
	e := newEnv(t)
	s, err := e.m.Create(context.Background(), CreateRequest{
		WorkingDir: "/work",
		Title:      "Refactor parser",
		Prompt:     "split the lexer out",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	starts := e.agent.started()
	if len(starts) != 1 || starts[0].Resume || starts[0].SessionID != s.ID() || starts[0].WorkingDir != "/work" {
		t.Fatalf("starts = %+v", starts)
	}
	if got := e.agent.last().inputs(); len(got) != 1 || got[0].Text != "split the lexer out" {
		t.Errorf("agent input = %+v", got)
	}

	info := s.Info()
	if info.Title != "Refactor parser" || info.Status != StatusActive || !info.Writable {
		t.Errorf("Info() = %+v", info)
	}
	events, _ := s.Events()
	if got, want := kinds(events), []event.Kind{event.KindTitle, event.KindUser}; !reflect.DeepEqual(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
	if e.lc.count(s.ID(), Created) != 1 || e.lc.count(s.ID(), Activated) != 1 {
		t.Error("want one created and one activated event")
	}
}

func TestCreateReportsStartFailure(t *testing.T) {
	e := newEnv(t)
	e.agent.err = errors.New("exec: \"claude\": executable file not found in $PATH")

	s, err := e.m.Create(context.Background(), CreateRequest{WorkingDir: "/work"})
	if err == nil {
		t.Fatal("Create() succeeded, want an error")
	}
	if s == nil {
		t.Fatal("Create() returned no session")
	}
	if got := s.Status(); got != StatusArchived {
		t.Errorf("Status() = %q, want %q", got, StatusArchived)
	}
}

func TestArchivedSessionResumesOnInput(t *testing.T) {
	e := newEnv(t)
	id := uuid.NewString()
	e.writeSource(t, "/work", id, message("user", "u1"), message("assistant", "a1"))

	s, err := e.m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := s.Status(); got != StatusArchived {
		t.Fatalf("Status() = %q, want %q", got, StatusArchived)
	}
	if len(e.agent.started()) != 0 {
		t.Fatal("agent started before any input")
	}

	if err := s.SendText(context.Background(), "carry on"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	starts := e.agent.started()
	if len(starts) != 1 || !starts[0].Resume || starts[0].SessionID != id || starts[0].WorkingDir != "/work" {
		t.Fatalf("starts = %+v", starts)
	}
	if got := e.agent.last().inputs(); len(got) != 1 || got[0].Text != "carry on" {
		t.Errorf("agent input = %+v", got)
	}

	files := e.store.Locate(id)
	if len(files) != 2 || !files[0].Writable {
		t.Fatalf("Locate() = %+v, want the imported log first", files)
	}
	lines := 0
	if _, err := e.store.ReadSession(id, func(eventlog.Record) error {
		lines++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if lines != 3 {
		t.Errorf("hub log has %d lines, want 3", lines)
	}
	if n := e.lc.count(id, Activated); n != 1 {
		t.Errorf("got %d activated events, want 1", n)
	}
}

func TestSetModelAppliesToNextActivation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := create(t, e)
	h := e.agent.last()

	if err := s.SetModel(ctx, "sonnet"); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	h.mu.Lock()
	models := append([]string(nil), h.models...)
	h.mu.Unlock()
	if !reflect.DeepEqual(models, []string{"sonnet"}) {
		t.Errorf("models sent = %v", models)
	}

	if err := s.Deactivate(); err != nil {
		t.Fatal(err)
	}
	if err := s.Interrupt(ctx); !errors.Is(err, ErrInactive) {
		t.Errorf("Interrupt() error = %v, want ErrInactive", err)
	}
	if err := s.SetModel(ctx, "opus"); err != nil {
		t.Fatalf("SetModel() while inactive error = %v", err)
	}
	if err := s.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	starts := e.agent.started()
	if len(starts) != 2 || starts[1].Model != "opus" {
		t.Errorf("starts = %+v", starts)
	}
}
