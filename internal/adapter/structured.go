package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cc_session_hub/internal/event"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineSize       = 16 * 1024 * 1024
)

// Structured launches the agent in print mode with JSON on stdin and stdout.
type Structured struct {
	cfg Config
	log *zap.Logger
}

func (t *Structured) Mode() Mode { return ModeStructured }

// Args returns the agent command line for opts.
func (t *Structured) Args(opts StartOptions) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	return append(args, sessionArgs(opts)...)
}

func (t *Structured) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(t.cfg.Binary, t.Args(opts)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = environ(os.Environ(), t.cfg, opts)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", t.cfg.Binary, err)
	}

	log := t.log.With(zap.String("session", opts.SessionID), zap.Int("pid", cmd.Process.Pid))
	log.Info("agent started", zap.String("dir", opts.WorkingDir), zap.Bool("resume", opts.Resume))
	return newStructuredHandle(opts.SessionID, stdin, stdout, stderr, execChild{cmd}, log), nil
}

// Wire messages of the agent's control protocol.
type (
	envelope struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}

	inboundControlRequest struct {
		RequestID string `json:"request_id"`
		Request   struct {
			Subtype     string          `json:"subtype"`
			ToolName    string          `json:"tool_name"`
			ToolUseID   string          `json:"tool_use_id"`
			Input       json.RawMessage `json:"input"`
			Suggestions json.RawMessage `json:"permission_suggestions"`
		} `json:"request"`
	}

	inboundControlResponse struct {
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Error     string `json:"error"`
		} `json:"response"`
	}

	controlResponse struct {
		Type     string               `json:"type"`
		Response controlResponseBody `json:"response"`
	}

	controlResponseBody struct {
		Subtype   string `json:"subtype"`
		RequestID string `json:"request_id"`
		Response  any    `json:"response,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	permissionResult struct {
		Behavior     string          `json:"behavior"`
		UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
		Message      string          `json:"message,omitempty"`
	}

	outboundControlRequest struct {
		Type      string         `json:"type"`
		RequestID string         `json:"request_id"`
		Request   map[string]any `json:"request"`
	}

	userText struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	userMessage struct {
		Type    string `json:"type"`
		Message struct {
			Role    string     `json:"role"`
			Content []userText `json:"content"`
		} `json:"message"`
		ParentToolUseID *string `json:"parent_tool_use_id"`
		SessionID       string  `json:"session_id"`
	}
)

type structuredHandle struct {
	*lifecycle
	sessionID string
	stdin     io.WriteCloser
	out       chan Output

	wmu sync.Mutex // serialises stdin writes

	mu      sync.Mutex
	calls   map[string]*PermissionCall
	replies map[string]chan error
}

func newStructuredHandle(sessionID string, stdin io.WriteCloser, stdout, stderr io.Reader, proc child, log *zap.Logger) *structuredHandle {
	h := &structuredHandle{
		lifecycle: newLifecycle(proc, log),
		sessionID: sessionID,
		stdin:     stdin,
		out:       make(chan Output, 64),
		calls:     make(map[string]*PermissionCall),
		replies:   make(map[string]chan error),
	}

	errTail := &tail{}
	stderrDone := make(chan struct{})
	if stderr != nil {
		go func() {
			defer close(stderrDone)
			drainStderr(stderr, errTail, log)
		}()
	} else {
		close(stderrDone)
	}

	go func() {
		h.readLoop(stdout)
		<-stderrDone
		h.reap(errTail)
		h.failPending()
		close(h.out)
	}()
	return h
}

func (h *structuredHandle) Output() <-chan Output { return h.out }

func (h *structuredHandle) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		h.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		h.log.Warn("stopped parsing agent output", zap.Error(err))
		_, _ = io.Copy(io.Discard, stdout)
	}
}

func (h *structuredHandle) handleLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		h.deliver(h.out, Output{Event: event.Parse(line)})
		return
	}

	switch env.Type {
	case "control_request":
		h.handleControlRequest(line)
	case "control_cancel_request":
		h.mu.Lock()
		call := h.calls[env.RequestID]
		delete(h.calls, env.RequestID)
		h.mu.Unlock()
		if call != nil {
			call.Cancel()
		}
	case "control_response":
		var resp inboundControlResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			h.log.Debug("malformed control response", zap.Error(err))
			return
		}
		h.mu.Lock()
		reply := h.replies[resp.Response.RequestID]
		delete(h.replies, resp.Response.RequestID)
		h.mu.Unlock()
		if reply == nil {
			return
		}
		if resp.Response.Subtype == "error" {
			reply <- fmt.Errorf("agent rejected control request: %s", resp.Response.Error)
		} else {
			reply <- nil
		}
	default:
		h.deliver(h.out, Output{Event: event.Parse(line)})
	}
}

func (h *structuredHandle) handleControlRequest(line []byte) {
	var req inboundControlRequest
	if err := json.Unmarshal(line, &req); err != nil {
		h.log.Debug("malformed control request", zap.Error(err))
		return
	}
	if req.Request.Subtype != "can_use_tool" {
		_ = h.writeJSON(controlResponse{
			Type: "control_response",
			Response: controlResponseBody{
				Subtype:   "error",
				RequestID: req.RequestID,
				Error:     "unsupported control request: " + req.Request.Subtype,
			},
		})
		return
	}

	var call *PermissionCall
	call = NewPermissionCall(req.RequestID, req.Request.ToolName, req.Request.Input, func(resp PermissionResponse) error {
		h.mu.Lock()
		delete(h.calls, call.RequestID)
		h.mu.Unlock()
		return h.writeJSON(controlResponse{
			Type: "control_response",
			Response: controlResponseBody{
				Subtype:   "success",
				RequestID: call.RequestID,
				Response:  permissionReply(call, resp),
			},
		})
	})
	call.ToolUseID = req.Request.ToolUseID
	call.Suggestions = req.Request.Suggestions

	h.mu.Lock()
	h.calls[call.RequestID] = call
	h.mu.Unlock()

	if !h.deliver(h.out, Output{Permission: call}) {
		_ = call.Respond(PermissionResponse{Message: "session closed"})
	}
}

func permissionReply(call *PermissionCall, resp PermissionResponse) permissionResult {
	if !resp.Allow {
		msg := resp.Message
		if msg == "" {
			msg = "Permission denied"
		}
		return permissionResult{Behavior: "deny", Message: msg}
	}
	input := resp.UpdatedInput
	if len(input) == 0 {
		input = call.Input
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return permissionResult{Behavior: "allow", UpdatedInput: input}
}

// failPending releases everything still waiting on the process.
func (h *structuredHandle) failPending() {
	h.mu.Lock()
	calls := h.calls
	replies := h.replies
	h.calls = make(map[string]*PermissionCall)
	h.replies = make(map[string]chan error)
	h.mu.Unlock()

	for _, call := range calls {
		call.Cancel()
	}
	for _, reply := range replies {
		reply <- ErrClosed
	}
}

func (h *structuredHandle) writeJSON(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	data := buf.Bytes()

	h.wmu.Lock()
	defer h.wmu.Unlock()
	select {
	case <-h.exited:
		return ErrClosed
	default:
	}
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (h *structuredHandle) Send(ctx context.Context, in Input) error {
	if len(in.Raw) > 0 {
		return ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := userMessage{Type: "user", SessionID: h.sessionID}
	msg.Message.Role = "user"
	msg.Message.Content = []userText{{Type: "text", Text: in.Text}}
	return h.writeJSON(msg)
}

// control sends one of our own control requests and waits for the agent's
// answer.
func (h *structuredHandle) control(ctx context.Context, request map[string]any) error {
	id := "req_" + uuid.NewString()
	reply := make(chan error, 1)
	h.mu.Lock()
	h.replies[id] = reply
	h.mu.Unlock()

	err := h.writeJSON(outboundControlRequest{Type: "control_request", RequestID: id, Request: request})
	if err != nil {
		h.mu.Lock()
		delete(h.replies, id)
		h.mu.Unlock()
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.replies, id)
		h.mu.Unlock()
		return ctx.Err()
	}
}

func (h *structuredHandle) Interrupt(ctx context.Context) error {
	return h.control(ctx, map[string]any{"subtype": "interrupt"})
}

func (h *structuredHandle) SetModel(ctx context.Context, model string) error {
	return h.control(ctx, map[string]any{"subtype": "set_model", "model": model})
}

func (h *structuredHandle) Resize(cols, rows uint16) error { return ErrUnsupported }

func (h *structuredHandle) Close(grace time.Duration) error {
	h.wmu.Lock()
	_ = h.stdin.Close()
	h.wmu.Unlock()
	return h.terminate(grace)
}
