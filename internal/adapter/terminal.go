package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"cc_session_hub/internal/event"
)

const (
	submitKey    = '\r'
	interruptKey = 0x1b // ESC

	defaultCols = 120
	defaultRows = 40
)

// Terminal runs the agent's interactive UI under a pseudo-terminal.
type Terminal struct {
	cfg Config
	log *zap.Logger
}

func (t *Terminal) Mode() Mode { return ModeTerminal }

// Args returns the agent command line for opts.
func (t *Terminal) Args(opts StartOptions) []string {
	return sessionArgs(opts)
}

func (t *Terminal) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.start(t.cfg.Binary, t.Args(opts), opts)
}

func (t *Terminal) start(name string, args []string, opts StartOptions) (*terminalHandle, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(environ(os.Environ(), t.cfg, opts), "TERM=xterm-256color")

	size := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if size.Cols == 0 {
		size.Cols = defaultCols
	}
	if size.Rows == 0 {
		size.Rows = defaultRows
	}
	// pty.Start puts the child in a new session, so it leads its own
	// process group.
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start %s under pty: %w", name, err)
	}

	log := t.log.With(zap.String("session", opts.SessionID), zap.Int("pid", cmd.Process.Pid))
	log.Info("agent started", zap.String("dir", opts.WorkingDir), zap.Bool("resume", opts.Resume))

	h := &terminalHandle{
		lifecycle: newLifecycle(execChild{cmd}, log),
		sessionID: opts.SessionID,
		ptmx:      ptmx,
		delay:     t.cfg.KeystrokeDelay,
		out:       make(chan Output, 64),
	}
	go h.readLoop()
	return h, nil
}

type terminalHandle struct {
	*lifecycle
	sessionID string
	ptmx      *os.File
	delay     time.Duration
	out       chan Output

	wmu sync.Mutex
}

func (h *terminalHandle) Output() <-chan Output { return h.out }

func (h *terminalHandle) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			h.deliver(h.out, Output{Event: event.Terminal(h.sessionID, buf[:n])})
		}
		if err != nil {
			// the pty reports EIO once the child side is gone
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.log.Debug("pty read ended", zap.Error(err))
			}
			break
		}
	}
	h.reap(nil)
	_ = h.ptmx.Close()
	close(h.out)
}

// Send types the text one byte at a time and presses the submit key. The
// agent's UI treats a burst of bytes as a paste, so keystrokes are spaced
// out by the configured delay.
func (h *terminalHandle) Send(ctx context.Context, in Input) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()

	if len(in.Raw) > 0 {
		return h.write(in.Raw)
	}

	keys := append([]byte(in.Text), submitKey)
	for i := range keys {
		if err := h.write(keys[i : i+1]); err != nil {
			return err
		}
		if h.delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.delay):
		}
	}
	return nil
}

func (h *terminalHandle) write(p []byte) error {
	select {
	case <-h.exited:
		return ErrClosed
	default:
	}
	if _, err := h.ptmx.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (h *terminalHandle) Interrupt(ctx context.Context) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return h.write([]byte{interruptKey})
}

func (h *terminalHandle) SetModel(ctx context.Context, model string) error {
	return ErrUnsupported
}

func (h *terminalHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *terminalHandle) Close(grace time.Duration) error {
	return h.terminate(grace)
}
