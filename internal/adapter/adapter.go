// Package adapter runs an agent subprocess and turns its output into events.
//
// Two transports share one contract. The structured transport speaks the
// agent's line-delimited JSON protocol over pipes; the terminal transport
// drives the agent's interactive UI through a pseudo-terminal and forwards
// raw bytes.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cc_session_hub/internal/event"
)

var (
	// ErrUnsupported is returned for operations the transport cannot perform.
	ErrUnsupported = errors.New("operation not supported by this transport")
	// ErrClosed is returned when writing to a handle whose process is gone.
	ErrClosed = errors.New("agent process closed")
)

// DefaultGrace is how long Close waits after SIGTERM before killing.
const DefaultGrace = 3 * time.Second

// Mode selects a transport.
type Mode string

const (
	ModeStructured Mode = "structured"
	ModeTerminal   Mode = "terminal"
)

// ParseMode validates a mode name. The empty string selects structured.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStructured:
		return ModeStructured, nil
	case ModeTerminal:
		return ModeTerminal, nil
	}
	return "", fmt.Errorf("unknown session mode %q", s)
}

// Input is something typed by a viewer. Text is submitted as one message;
// Raw is forwarded unmodified and only makes sense for terminal sessions.
type Input struct {
	Text string
	Raw  []byte
}

// StartOptions describes the process to launch.
type StartOptions struct {
	SessionID  string
	WorkingDir string
	// Resume continues an existing conversation instead of starting a new
	// one with SessionID.
	Resume         bool
	Model          string
	PermissionMode string
	ThinkingBudget int
	ExtraArgs      []string
	Env            map[string]string
	Cols, Rows     uint16
}

// Output is one item of a handle's output stream: an event or a permission
// request, in the order the agent produced them.
type Output struct {
	Event      *event.Event
	Permission *PermissionCall
}

// PermissionResponse answers a PermissionCall.
type PermissionResponse struct {
	Allow        bool
	UpdatedInput json.RawMessage
	Message      string
}

// PermissionCall is the agent asking whether it may run a tool. It must be
// answered with Respond; the agent is blocked on that tool until then.
type PermissionCall struct {
	RequestID   string
	ToolName    string
	ToolUseID   string
	Input       json.RawMessage
	Suggestions json.RawMessage

	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	respond func(PermissionResponse) error
}

// NewPermissionCall returns a call answered through respond. The call's
// context lives until it is answered or Cancel is called.
func NewPermissionCall(requestID, toolName string, input json.RawMessage, respond func(PermissionResponse) error) *PermissionCall {
	ctx, cancel := context.WithCancel(context.Background())
	return &PermissionCall{
		RequestID: requestID,
		ToolName:  toolName,
		Input:     input,
		ctx:       ctx,
		cancel:    cancel,
		respond:   respond,
	}
}

// Cancel withdraws the request.
func (c *PermissionCall) Cancel() { c.cancel() }

// Context is cancelled when the agent withdraws the request or exits.
func (c *PermissionCall) Context() context.Context { return c.ctx }

// Respond sends the decision. Only the first call has any effect.
func (c *PermissionCall) Respond(resp PermissionResponse) error {
	err := ErrClosed
	c.once.Do(func() {
		err = c.respond(resp)
		c.cancel()
	})
	return err
}

// Handle is a running agent process.
type Handle interface {
	// Output is closed once the process has exited and its output is
	// drained.
	Output() <-chan Output
	Send(ctx context.Context, in Input) error
	Interrupt(ctx context.Context) error
	SetModel(ctx context.Context, model string) error
	Resize(cols, rows uint16) error
	// Close asks the process to stop, killing it after grace. After Close
	// the remaining output is discarded.
	Close(grace time.Duration) error
	// Wait blocks until the process has exited and returns its exit error.
	Wait() error
	PID() int
}

// Transport starts agent processes.
type Transport interface {
	Mode() Mode
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// Config holds what every transport needs to launch the agent.
type Config struct {
	Binary         string
	Env            map[string]string
	KeystrokeDelay time.Duration
	Logger         *zap.Logger
}

// New returns the transport for mode.
func New(mode Mode, cfg Config) (Transport, error) {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	switch mode {
	case ModeStructured:
		return &Structured{cfg: cfg, log: cfg.Logger.Named("structured")}, nil
	case ModeTerminal:
		return &Terminal{cfg: cfg, log: cfg.Logger.Named("terminal")}, nil
	}
	return nil, fmt.Errorf("%w: mode %q", ErrUnsupported, mode)
}

// sessionArgs are the flags both transports pass to the agent.
func sessionArgs(opts StartOptions) []string {
	var args []string
	if opts.Resume {
		args = append(args, "--resume", opts.SessionID)
	} else if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	return append(args, opts.ExtraArgs...)
}

// environ merges the transport and per-session environment into the
// current one.
func environ(base []string, cfg Config, opts StartOptions) []string {
	env := append([]string(nil), base...)
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	if opts.ThinkingBudget > 0 {
		env = append(env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", opts.ThinkingBudget))
	}
	return env
}
