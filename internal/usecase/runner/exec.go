package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"omniclaw/internal/domain"
)

// ExecOptions configures RunCommand.
type ExecOptions struct {
	// Name identifies the process to onProcess (container name or command).
	Name      string
	KillGrace time.Duration
	// Teardown runs once when the handle is killed.
	Teardown  func()
	OnProcess domain.ProcessFunc
	// OnStdin receives the stdin pipe after start. The callee owns closing
	// it. When nil, stdin is closed right after start.
	OnStdin func(stdin io.WriteCloser)
}

// feedWriter adapts a controller feed to io.Writer.
type feedWriter func([]byte)

func (f feedWriter) Write(p []byte) (int, error) {
	f(p)
	return len(p), nil
}

// RunCommand starts cmd, streams its output into ctrl and blocks until the
// process exits and every parsed record has been delivered. Cancelling ctx
// kills the process.
func RunCommand(ctx context.Context, cmd *exec.Cmd, ctrl *Controller, opts ExecOptions) domain.AgentResult {
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	cmd.Stdout = feedWriter(ctrl.FeedStdout)
	cmd.Stderr = feedWriter(ctrl.FeedStderr)
	// Bound the wait for output copying when a killed process leaves
	// descendants holding the pipes open.
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ctrl.Abort(domain.NewSubSystemError("runner", "RunCommand", domain.ErrProcess, "stdin pipe: "+err.Error()))
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return ctrl.Abort(domain.NewSubSystemError("runner", "RunCommand", domain.ErrProcess, fmt.Sprintf("spawn %s: %v", cmd.Path, err)))
	}

	handle := NewExecHandle(cmd, grace, opts.Teardown)
	ctrl.Attach(handle, opts.Name, opts.OnProcess)
	if opts.OnStdin != nil {
		opts.OnStdin(stdin)
	} else {
		_ = stdin.Close()
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = handle.Kill()
		case <-handle.Exited():
		}
	}()

	waitErr := cmd.Wait()
	handle.markExited()
	return ctrl.Finish(context.WithoutCancel(ctx), exitStatus(cmd, waitErr))
}

// ExitStatusOf classifies the error returned by exec.Cmd.Wait.
func ExitStatusOf(err error) domain.ExitStatus {
	if err == nil {
		return domain.ExitStatus{}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		st := domain.ExitStatus{Code: ee.ExitCode()}
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
		return st
	}
	return domain.ExitStatus{Code: -1, Err: err}
}

// exitStatus classifies the result of cmd.Wait, preferring the reaped
// process state when only the output copy was cut short.
func exitStatus(cmd *exec.Cmd, err error) domain.ExitStatus {
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		return ExitStatusOf(processStateErr(cmd))
	}
	return ExitStatusOf(err)
}

func processStateErr(cmd *exec.Cmd) error {
	if cmd.ProcessState.Success() {
		return nil
	}
	return &exec.ExitError{ProcessState: cmd.ProcessState}
}
