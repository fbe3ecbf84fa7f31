package runner

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"omniclaw/internal/domain"
)

// ExecHandle is the ProcessHandle of a local OS process. Kill sends SIGTERM,
// then SIGKILL if the process is still alive after the grace period.
type ExecHandle struct {
	cmd      *exec.Cmd
	grace    time.Duration
	teardown func()

	exited   chan struct{}
	exitOnce sync.Once
	stopOnce sync.Once
	killed   atomic.Bool
}

var _ domain.ProcessHandle = (*ExecHandle)(nil)

// NewExecHandle wraps a started command. teardown, if set, runs once on
// Kill alongside the signals (for example to stop a named container).
func NewExecHandle(cmd *exec.Cmd, grace time.Duration, teardown func()) *ExecHandle {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	return &ExecHandle{
		cmd:      cmd,
		grace:    grace,
		teardown: teardown,
		exited:   make(chan struct{}),
	}
}

// PID returns the OS process id.
func (h *ExecHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Kill terminates the process. Safe to call concurrently and repeatedly.
func (h *ExecHandle) Kill() error {
	var err error
	h.stopOnce.Do(func() {
		h.killed.Store(true)
		if h.teardown != nil {
			go h.teardown()
		}
		proc := h.cmd.Process
		if proc == nil {
			return
		}
		select {
		case <-h.exited:
			return
		default:
		}
		if serr := signalProcess(proc, syscall.SIGTERM); serr != nil {
			// Platforms without SIGTERM support only Kill.
			err = signalProcess(proc, os.Kill)
			return
		}
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.exited:
			case <-timer.C:
				_ = signalProcess(proc, os.Kill)
			}
		}()
	})
	return err
}

// Killed reports whether Kill was called.
func (h *ExecHandle) Killed() bool { return h.killed.Load() }

// Exited returns a channel closed once the process has been reaped.
func (h *ExecHandle) Exited() <-chan struct{} { return h.exited }

func (h *ExecHandle) markExited() {
	h.exitOnce.Do(func() { close(h.exited) })
}

// signalProcess sends sig, treating an already-exited process as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// VirtualHandle is the ProcessHandle of a run with no local OS process, such
// as a remote sandbox session or an HTTP request. PID is always VirtualPID.
type VirtualHandle struct {
	teardown func() error
	once     sync.Once
	killed   atomic.Bool
}

var _ domain.ProcessHandle = (*VirtualHandle)(nil)

// NewVirtualHandle creates a handle whose Kill runs teardown once.
func NewVirtualHandle(teardown func() error) *VirtualHandle {
	return &VirtualHandle{teardown: teardown}
}

// PID returns VirtualPID.
func (h *VirtualHandle) PID() int { return domain.VirtualPID }

// Kill marks the handle killed and runs teardown on the first call.
func (h *VirtualHandle) Kill() error {
	var err error
	h.once.Do(func() {
		h.killed.Store(true)
		if h.teardown != nil {
			err = h.teardown()
		}
	})
	return err
}

// Killed reports whether Kill was called.
func (h *VirtualHandle) Killed() bool { return h.killed.Load() }

// StartProcess starts a long-lived helper process that is not an agent run
// and reaps it in the background. Exited closes once it has been reaped.
func StartProcess(cmd *exec.Cmd, grace time.Duration) (*ExecHandle, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := NewExecHandle(cmd, grace, nil)
	go func() {
		_ = cmd.Wait()
		h.markExited()
	}()
	return h, nil
}
