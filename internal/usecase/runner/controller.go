// Package runner drives one agent run: it feeds process output through the
// stream parser, arbitrates startup and idle timeouts, delivers parsed
// records in order and interprets the process exit.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"omniclaw/internal/domain"
	"omniclaw/internal/usecase/stream"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultStartupTimeout  = 5 * time.Minute
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultKillGrace       = 10 * time.Second
	DefaultStderrTailBytes = 200
)

// Disabled turns a timeout off. A zero timeout selects the default.
const Disabled time.Duration = -1

// Config configures a Controller.
type Config struct {
	RunID          string
	Backend        string
	Group          string
	StartupTimeout time.Duration
	IdleTimeout    time.Duration
	MaxStdoutBytes int
	MaxStderrBytes int
	// StderrTailBytes bounds the stderr excerpt included in exit errors.
	StderrTailBytes int
	// SuccessOnOutputAfterTimeout resolves a timed-out run that produced
	// output as a success.
	SuccessOnOutputAfterTimeout bool
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.StderrTailBytes <= 0 {
		c.StderrTailBytes = DefaultStderrTailBytes
	}
	return c
}

// Hooks are the caller callbacks of a Controller. All are optional.
type Hooks struct {
	// OnOutput receives records in parse order through the delivery chain.
	// When nil the run uses final-output parsing instead of streaming.
	OnOutput domain.OutputFunc
	// OnTimeout runs once when a timer fires, after the handle is killed.
	OnTimeout func(reason domain.TimeoutReason)
}

// Snapshot is a point-in-time view of a Controller.
type Snapshot struct {
	State         domain.RunState      `json:"state"`
	Stream        stream.State         `json:"stream"`
	TimedOut      bool                 `json:"timed_out"`
	TimeoutReason domain.TimeoutReason `json:"timeout_reason,omitempty"`
	SessionID     string               `json:"session_id,omitempty"`
	PendingOutput int64                `json:"pending_output"`
}

// Controller is the lifecycle state machine for one agent run.
type Controller struct {
	cfg    Config
	hooks  Hooks
	logger *slog.Logger
	ctx    context.Context

	parser  *stream.Parser
	arbiter *Arbiter
	chain   *Chain

	mu            sync.Mutex
	state         domain.RunState
	handle        domain.ProcessHandle
	timedOut      bool
	timeoutReason domain.TimeoutReason
	last          *domain.OutputRecord
	startedAt     time.Time
	result        *domain.AgentResult
}

// NewController creates a Controller in the starting state. ctx is passed to
// output deliveries.
func NewController(ctx context.Context, cfg Config, hooks Hooks, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", cfg.RunID, "group", cfg.Group, "backend", cfg.Backend)

	c := &Controller{
		cfg:       cfg,
		hooks:     hooks,
		logger:    logger,
		ctx:       ctx,
		state:     domain.RunStarting,
		startedAt: time.Now(),
		chain:     NewChain(logger),
		parser: stream.NewParser(stream.Config{
			MaxStdoutBytes: cfg.MaxStdoutBytes,
			MaxStderrBytes: cfg.MaxStderrBytes,
			Streaming:      hooks.OnOutput != nil,
		}, logger),
	}
	c.arbiter = NewArbiter(cfg.StartupTimeout, cfg.IdleTimeout, c.handleTimeout)
	return c
}

// Attach hands the process handle to the controller, notifies onProcess and
// arms the timers. The controller moves to running.
func (c *Controller) Attach(handle domain.ProcessHandle, name string, onProcess domain.ProcessFunc) {
	c.mu.Lock()
	if c.state != domain.RunStarting {
		c.mu.Unlock()
		return
	}
	c.handle = handle
	c.state = domain.RunRunning
	c.mu.Unlock()

	if onProcess != nil {
		onProcess(handle, name)
	}
	c.arbiter.Start()
	c.logger.Info("agent started", "pid", handle.PID(), "name", name)
}

// FeedStdout forwards a stdout chunk to the parser and queues every
// completed record for delivery. A no-op once the run is terminal.
func (c *Controller) FeedStdout(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	for _, rec := range c.parser.WriteStdout(chunk) {
		c.last = &rec
		c.arbiter.ResetIdle()
		if c.hooks.OnOutput != nil {
			c.chain.Enqueue(c.ctx, func(ctx context.Context) error {
				return c.hooks.OnOutput(ctx, rec)
			})
		}
	}
}

// FeedStderr records a stderr chunk. Any stderr clears the startup timer.
func (c *Controller) FeedStderr(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() || len(chunk) == 0 {
		return
	}
	c.parser.WriteStderr(chunk)
	c.arbiter.ClearStartup()
	if c.logger.Enabled(c.ctx, slog.LevelDebug) {
		for _, line := range strings.Split(strings.TrimRight(string(chunk), "\n"), "\n") {
			if line != "" {
				c.logger.Debug("agent stderr", "line", line)
			}
		}
	}
}

// Heartbeat is liveness evidence from a backend without a stderr stream.
// It clears the startup timer like stderr does.
func (c *Controller) Heartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.arbiter.ClearStartup()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.parser.State()
	return Snapshot{
		State:         c.state,
		Stream:        st,
		TimedOut:      c.timedOut,
		TimeoutReason: c.timeoutReason,
		SessionID:     st.SessionID,
		PendingOutput: c.chain.Pending(),
	}
}

// ParseFinalOutput recovers the final record from accumulated stdout. Used
// when the run has no OnOutput hook.
func (c *Controller) ParseFinalOutput() (domain.OutputRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parser.ParseFinal()
}

// Delivered returns the channel closed once every record parsed so far has
// been delivered.
func (c *Controller) Delivered() <-chan struct{} { return c.chain.Tail() }

// Cleanup cancels both timers. Safe to call more than once.
func (c *Controller) Cleanup() { c.arbiter.Cleanup() }

// Abort resolves a run whose process never started.
func (c *Controller) Abort(err error) domain.AgentResult {
	c.arbiter.Cleanup()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		return *c.result
	}
	if !c.state.Terminal() {
		c.state = domain.RunCrashed
	}
	res := c.errorResultLocked(err, -1)
	c.logger.Error("agent failed to start", "error", err)
	c.result = &res
	return res
}

// Finish interprets the process exit, waits for pending deliveries and
// resolves the run. Repeated calls return the first result.
func (c *Controller) Finish(ctx context.Context, exit domain.ExitStatus) domain.AgentResult {
	c.arbiter.Cleanup()

	c.mu.Lock()
	if c.result != nil {
		res := *c.result
		c.mu.Unlock()
		return res
	}
	if !c.state.Terminal() {
		switch {
		case c.handle != nil && c.handle.Killed():
			c.state = domain.RunKilled
		case exit.Code == 0 && exit.Err == nil:
			c.state = domain.RunCompleted
		default:
			c.state = domain.RunCrashed
		}
	}
	c.mu.Unlock()

	if err := c.chain.Wait(ctx); err != nil {
		c.logger.Warn("output delivery still pending at finish", "error", err, "pending", c.chain.Pending())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.resolveLocked(exit)
	c.result = &res

	attrs := []any{
		"state", c.state,
		"status", res.Status,
		"exit_code", exit.Code,
		"outputs", res.Outputs,
		"duration", res.Duration,
	}
	if res.Status == domain.StatusSuccess {
		c.logger.Info("agent finished", attrs...)
	} else {
		c.logger.Warn("agent finished", append(attrs, "error", res.Error)...)
	}
	return res
}

// Result returns the resolved result, if any.
func (c *Controller) Result() (domain.AgentResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return domain.AgentResult{}, false
	}
	return *c.result, true
}

func (c *Controller) resolveLocked(exit domain.ExitStatus) domain.AgentResult {
	var timeoutErr error
	if c.timedOut {
		timeoutErr = &domain.TimeoutError{Reason: c.timeoutReason, After: c.timeoutAfter()}
	}

	if !c.parser.Streaming() {
		if rec, err := c.parser.ParseFinal(); err == nil {
			c.last = &rec
		} else if timeoutErr == nil && exit.Code == 0 && exit.Err == nil {
			return c.errorResultLocked(err, exit.Code)
		}
	}

	if c.last != nil {
		if timeoutErr != nil && !c.cfg.SuccessOnOutputAfterTimeout {
			return c.errorResultLocked(timeoutErr, exit.Code)
		}
		res := c.baseResultLocked(exit.Code)
		res.Status = domain.StatusSuccess
		res.Result = c.last.Result
		if !c.parser.Streaming() && c.last.Status == domain.StatusError {
			res.Status = domain.StatusError
			res.Error = c.last.Error
			res.Cause = domain.NewSubSystemError("runner", "Controller.Finish", domain.ErrProcess, c.last.Error)
		}
		return res
	}

	switch {
	case timeoutErr != nil:
		return c.errorResultLocked(timeoutErr, exit.Code)
	case exit.Code != 0 || exit.Err != nil:
		return c.errorResultLocked(&domain.ExitError{
			Code:   exit.Code,
			Signal: exit.Signal,
			Stderr: c.parser.StderrTail(c.cfg.StderrTailBytes),
		}, exit.Code)
	default:
		return c.errorResultLocked(domain.NewSubSystemError("runner", "Controller.Finish", domain.ErrProtocol, "agent exited without producing output"), exit.Code)
	}
}

func (c *Controller) baseResultLocked(exitCode int) domain.AgentResult {
	st := c.parser.State()
	return domain.AgentResult{
		RunID:        c.cfg.RunID,
		NewSessionID: st.SessionID,
		ExitCode:     exitCode,
		TimedOut:     c.timedOut,
		Outputs:      st.Records,
		Duration:     time.Since(c.startedAt),
	}
}

func (c *Controller) errorResultLocked(err error, exitCode int) domain.AgentResult {
	res := c.baseResultLocked(exitCode)
	res.Status = domain.StatusError
	res.Error = err.Error()
	res.Cause = err
	return res
}

func (c *Controller) timeoutAfter() time.Duration {
	if c.timeoutReason == domain.TimeoutStartup {
		return c.cfg.StartupTimeout
	}
	return c.cfg.IdleTimeout
}

func (c *Controller) handleTimeout(reason domain.TimeoutReason) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.timedOut = true
	c.timeoutReason = reason
	c.state = domain.RunTimedOut
	handle := c.handle
	after := c.timeoutAfter()
	c.mu.Unlock()

	c.logger.Warn("agent timed out", "reason", reason, "after", after)
	if handle != nil {
		if err := handle.Kill(); err != nil {
			c.logger.Error("kill after timeout failed", "error", err)
		}
	}
	if c.hooks.OnTimeout != nil {
		c.hooks.OnTimeout(reason)
	}
}

// IsTimeout reports whether err is a run timeout and returns its reason.
func IsTimeout(err error) (domain.TimeoutReason, bool) {
	var te *domain.TimeoutError
	if errors.As(err, &te) {
		return te.Reason, true
	}
	return "", false
}
