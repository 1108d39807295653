package adapter

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// child is the part of a running process a handle needs.
type child interface {
	Pid() int
	Wait() error
	Signal(sig syscall.Signal) error
}

type execChild struct {
	cmd *exec.Cmd
}

func (c execChild) Pid() int { return c.cmd.Process.Pid }

func (c execChild) Wait() error { return c.cmd.Wait() }

// Signal delivers sig to the whole process group so tools the agent spawned
// go down with it.
func (c execChild) Signal(sig syscall.Signal) error {
	if err := syscall.Kill(-c.cmd.Process.Pid, sig); err != nil {
		return c.cmd.Process.Signal(sig)
	}
	return nil
}

// lifecycle tracks a process from start to exit and implements the
// shutdown half of Handle.
type lifecycle struct {
	proc child
	log  *zap.Logger

	exited  chan struct{} // closed after Wait returns
	stop    chan struct{} // closed by Close; output is discarded after
	waitErr error

	closeOnce sync.Once
	stopOnce  sync.Once
}

func newLifecycle(proc child, log *zap.Logger) *lifecycle {
	return &lifecycle{
		proc:   proc,
		log:    log,
		exited: make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// reap waits for the process and records its exit. Called once the output
// reader has hit EOF.
func (l *lifecycle) reap(stderr *tail) {
	err := l.proc.Wait()
	if err != nil && stderr != nil {
		if msg := stderr.String(); msg != "" {
			err = &ExitError{Err: err, Stderr: msg}
		}
	}
	l.waitErr = err
	close(l.exited)
}

// deliver sends o on out unless the handle is being closed.
func (l *lifecycle) deliver(out chan<- Output, o Output) bool {
	select {
	case out <- o:
		return true
	case <-l.stop:
		return false
	}
}

func (l *lifecycle) PID() int { return l.proc.Pid() }

func (l *lifecycle) Wait() error {
	<-l.exited
	return l.waitErr
}

func (l *lifecycle) halt() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// terminate sends SIGTERM and escalates to SIGKILL if the process is still
// around after grace.
func (l *lifecycle) terminate(grace time.Duration) error {
	l.halt()
	var err error
	l.closeOnce.Do(func() {
		select {
		case <-l.exited:
			return
		default:
		}
		if grace <= 0 {
			grace = DefaultGrace
		}
		if sigErr := l.proc.Signal(syscall.SIGTERM); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			l.log.Debug("SIGTERM failed", zap.Error(sigErr))
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-l.exited:
			return
		case <-timer.C:
		}
		l.log.Warn("agent ignored SIGTERM, killing", zap.Int("pid", l.proc.Pid()), zap.Duration("grace", grace))
		if sigErr := l.proc.Signal(syscall.SIGKILL); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = sigErr
		}
		<-l.exited
	})
	return err
}

// ExitError is a process exit with the last lines it wrote to stderr.
type ExitError struct {
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	return e.Err.Error() + ": " + e.Stderr
}

func (e *ExitError) Unwrap() error { return e.Err }

const stderrTailLimit = 4096

// tail keeps the end of a stream.
type tail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTailLimit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// drainStderr logs each stderr line and keeps the tail for exit errors. It
// reads until EOF even when a line is too long to scan.
func drainStderr(r io.Reader, t *tail, log *zap.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = t.Write([]byte(line + "\n"))
		log.Debug("agent stderr", zap.String("line", line))
	}
	if err := scanner.Err(); err != nil {
		log.Warn("agent stderr unreadable, keeping raw tail", zap.Error(err))
		_, _ = io.Copy(t, r)
	}
}
