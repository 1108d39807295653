// Package permission decides whether the agent may run a tool. Each request
// is issued, waits for exactly one decision, and is then resolved.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownRequest is returned when deciding a request that is not pending.
var ErrUnknownRequest = errors.New("no pending permission request with that id")

// Reason records where a decision came from.
type Reason string

const (
	ReasonUser        Reason = "user"
	ReasonAlwaysAllow Reason = "always_allow"
	ReasonPolicy      Reason = "policy"
	ReasonTimeout     Reason = "timeout"
	ReasonCancelled   Reason = "cancelled"
	ReasonShutdown    Reason = "shutdown"
)

// Request is one tool-use permission request.
type Request struct {
	ID       string
	ToolName string
	Input    json.RawMessage
	Pattern  string
	Issued   time.Time
}

// Decision answers a Request.
type Decision struct {
	Allow        bool
	AlwaysAllow  bool
	Message      string
	UpdatedInput json.RawMessage
	Reason       Reason
}

// Observer hears about every request. Issued runs while the gate is locked,
// so the request is recorded before any decision for it can be made.
// Resolved runs without the lock; issued is false for requests granted on
// arrival.
type Observer interface {
	Issued(req Request)
	Resolved(req Request, d Decision, issued bool)
}

// Policy grants requests up front by pattern.
type Policy interface {
	AutoApprove(pattern string) bool
}

// Options configures a Gate.
type Options struct {
	Policy   Policy
	Observer Observer
	// Timeout denies requests left undecided this long. Zero waits forever.
	Timeout time.Duration
}

// Gate tracks pending requests and the tools the user allowed for the rest
// of the session.
type Gate struct {
	opts Options

	mu          sync.Mutex
	pending     map[string]*pending
	alwaysAllow map[string]struct{}
}

type pending struct {
	req      Request
	done     chan struct{}
	decision Decision
}

// NewGate returns an empty gate.
func NewGate(opts Options) *Gate {
	return &Gate{
		opts:        opts,
		pending:     make(map[string]*pending),
		alwaysAllow: make(map[string]struct{}),
	}
}

// Ticket is a handle on an issued request.
type Ticket struct {
	gate    *Gate
	p       *pending
	decided *Decision
}

// Issue registers req. Requests for an always-allowed tool or matching the
// policy are granted at once and never become pending.
func (g *Gate) Issue(req Request) *Ticket {
	if req.Issued.IsZero() {
		req.Issued = time.Now()
	}

	g.mu.Lock()
	var auto *Decision
	if _, ok := g.alwaysAllow[req.ToolName]; ok {
		auto = &Decision{Allow: true, Reason: ReasonAlwaysAllow}
	} else if g.opts.Policy != nil && g.opts.Policy.AutoApprove(req.Pattern) {
		auto = &Decision{Allow: true, Reason: ReasonPolicy}
	}
	if auto != nil {
		g.mu.Unlock()
		if g.opts.Observer != nil {
			g.opts.Observer.Resolved(req, *auto, false)
		}
		return &Ticket{gate: g, decided: auto}
	}

	if p, ok := g.pending[req.ID]; ok {
		g.mu.Unlock()
		return &Ticket{gate: g, p: p}
	}
	p := &pending{req: req, done: make(chan struct{})}
	g.pending[req.ID] = p
	if g.opts.Observer != nil {
		g.opts.Observer.Issued(req)
	}
	g.mu.Unlock()
	return &Ticket{gate: g, p: p}
}

// Await issues req and waits for its decision.
func (g *Gate) Await(ctx context.Context, req Request) Decision {
	return g.Issue(req).Wait(ctx)
}

// Wait blocks until the request is decided. Cancelling ctx or reaching the
// gate's timeout resolves it as denied.
func (t *Ticket) Wait(ctx context.Context) Decision {
	if t.decided != nil {
		return *t.decided
	}

	var timeout <-chan time.Time
	if t.gate.opts.Timeout > 0 {
		timer := time.NewTimer(t.gate.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-t.p.done:
	case <-ctx.Done():
		_ = t.gate.Decide(t.p.req.ID, Decision{Message: "request cancelled", Reason: ReasonCancelled})
	case <-timeout:
		_ = t.gate.Decide(t.p.req.ID, Decision{Message: "no decision before timeout", Reason: ReasonTimeout})
	}
	// a racing decision may have won; either way exactly one is recorded
	<-t.p.done
	return t.p.decision
}

// Pending reports whether the request still awaits a decision.
func (t *Ticket) Pending() bool {
	if t.decided != nil {
		return false
	}
	select {
	case <-t.p.done:
		return false
	default:
		return true
	}
}

// Decide resolves a pending request. Allowing with AlwaysAllow adds the tool
// to the session's always-allow set and grants every other pending request
// for the same tool.
func (g *Gate) Decide(id string, d Decision) error {
	if d.Reason == "" {
		d.Reason = ReasonUser
	}

	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownRequest
	}
	delete(g.pending, id)
	p.decision = d
	batch := []*pending{p}

	if d.Allow && d.AlwaysAllow {
		g.alwaysAllow[p.req.ToolName] = struct{}{}
		for otherID, other := range g.pending {
			if other.req.ToolName != p.req.ToolName {
				continue
			}
			delete(g.pending, otherID)
			other.decision = Decision{Allow: true, Reason: ReasonAlwaysAllow}
			batch = append(batch, other)
		}
	}
	g.mu.Unlock()

	g.finish(batch)
	return nil
}

// DenyAll resolves every pending request as denied and returns how many
// there were.
func (g *Gate) DenyAll(message string) int {
	g.mu.Lock()
	batch := make([]*pending, 0, len(g.pending))
	for id, p := range g.pending {
		delete(g.pending, id)
		p.decision = Decision{Message: message, Reason: ReasonShutdown}
		batch = append(batch, p)
	}
	g.mu.Unlock()

	g.finish(batch)
	return len(batch)
}

func (g *Gate) finish(batch []*pending) {
	sort.Slice(batch, func(i, j int) bool { return batch[i].req.Issued.Before(batch[j].req.Issued) })
	for _, p := range batch {
		if g.opts.Observer != nil {
			g.opts.Observer.Resolved(p.req, p.decision, true)
		}
		close(p.done)
	}
}

// Pending lists undecided requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Issued.Before(out[j].Issued) })
	return out
}

// AlwaysAllowed lists the tools granted for the rest of the session.
func (g *Gate) AlwaysAllowed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.alwaysAllow))
	for tool := range g.alwaysAllow {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}
