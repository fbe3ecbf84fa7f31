package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniclaw/internal/domain"
)

func newStreamingController(t *testing.T, cfg Config, rec *recorder) *Controller {
	t.Helper()
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = time.Hour
	}
	c := NewController(context.Background(), cfg, Hooks{OnOutput: rec.onOutput}, newTestLogger())
	t.Cleanup(c.Cleanup)
	return c
}

func TestControllerSingleChunk(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{RunID: "r1"}, rec)
	c.Attach(&stubHandle{}, "agent", nil)

	c.FeedStdout([]byte(helloUnit))
	res := c.Finish(context.Background(), domain.ExitStatus{})

	assert.Equal(t, []string{"hi"}, rec.texts())
	assert.Equal(t, domain.StatusSuccess, res.Status)
	require.NotNil(t, res.Result)
	assert.Equal(t, "hi", *res.Result)
	assert.Equal(t, "r1", res.RunID)
	assert.Equal(t, 1, res.Outputs)
	assert.Equal(t, domain.RunCompleted, c.Snapshot().State)
}

func TestControllerSplitChunks(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{}, rec)
	c.Attach(&stubHandle{}, "agent", nil)

	c.FeedStdout([]byte(helloUnit[:10]))
	c.FeedStdout([]byte(helloUnit[10:40]))
	c.FeedStdout([]byte(helloUnit[40:]))
	<-c.Delivered()

	assert.Equal(t, []string{"hi"}, rec.texts())
}

func TestControllerParseFinalNotJSON(t *testing.T) {
	c := NewController(context.Background(), Config{IdleTimeout: time.Hour, StartupTimeout: time.Hour}, Hooks{}, newTestLogger())
	defer c.Cleanup()
	c.Attach(&stubHandle{}, "agent", nil)

	c.FeedStdout([]byte("not json at all"))
	_, err := c.ParseFinalOutput()
	assert.ErrorIs(t, err, domain.ErrProtocol)

	res := c.Finish(context.Background(), domain.ExitStatus{})
	assert.Equal(t, domain.StatusError, res.Status)
	assert.ErrorIs(t, res.Cause, domain.ErrProtocol)
}

func TestControllerLegacyModeFinalOutput(t *testing.T) {
	c := NewController(context.Background(), Config{IdleTimeout: time.Hour, StartupTimeout: time.Hour}, Hooks{}, newTestLogger())
	defer c.Cleanup()
	c.Attach(&stubHandle{}, "agent", nil)

	c.FeedStdout([]byte("warming up\n" + helloUnit))
	res := c.Finish(context.Background(), domain.ExitStatus{})
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, "hi", *res.Result)
}

func TestControllerParseFinalThenFinishCountsOnce(t *testing.T) {
	c := NewController(context.Background(), Config{IdleTimeout: time.Hour, StartupTimeout: time.Hour}, Hooks{}, newTestLogger())
	defer c.Cleanup()
	c.Attach(&stubHandle{}, "agent", nil)

	c.FeedStdout([]byte(helloUnit))
	rec, err := c.ParseFinalOutput()
	require.NoError(t, err)
	assert.Equal(t, "hi", rec.Text())

	res := c.Finish(context.Background(), domain.ExitStatus{})
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Outputs)
}

func TestControllerStartupTimeout(t *testing.T) {
	var (
		calls   atomic.Int32
		mu      sync.Mutex
		reasons []domain.TimeoutReason
	)
	c := NewController(context.Background(), Config{
		StartupTimeout: 50 * time.Millisecond,
		IdleTimeout:    time.Hour,
	}, Hooks{
		OnOutput: func(context.Context, domain.OutputRecord) error { return nil },
		OnTimeout: func(r domain.TimeoutReason) {
			calls.Add(1)
			mu.Lock()
			reasons = append(reasons, r)
			mu.Unlock()
		},
	}, newTestLogger())
	defer c.Cleanup()

	h := &stubHandle{}
	c.Attach(h, "agent", nil)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	mu.Lock()
	assert.Equal(t, []domain.TimeoutReason{domain.TimeoutStartup}, reasons)
	mu.Unlock()

	snap := c.Snapshot()
	assert.True(t, snap.TimedOut)
	assert.Equal(t, domain.TimeoutStartup, snap.TimeoutReason)
	assert.Equal(t, domain.RunTimedOut, snap.State)
	assert.Equal(t, int32(1), h.kills.Load())

	// The kill produces a normal exit; it must not double-report.
	res := c.Finish(context.Background(), domain.ExitStatus{Code: 137})
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.StatusError, res.Status)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "agent timed out during startup after 50ms", res.Error)
	assert.Equal(t, domain.CodeStartupTimeout, domain.ErrorCodeOf(res.Cause))
	assert.Equal(t, domain.RunTimedOut, c.Snapshot().State)
}

func TestControllerStderrPreventsStartupTimeout(t *testing.T) {
	var calls atomic.Int32
	c := NewController(context.Background(), Config{
		StartupTimeout: 50 * time.Millisecond,
		IdleTimeout:    time.Hour,
	}, Hooks{OnTimeout: func(domain.TimeoutReason) { calls.Add(1) }}, newTestLogger())
	defer c.Cleanup()
	c.Attach(&stubHandle{}, "agent", nil)

	time.Sleep(10 * time.Millisecond)
	c.FeedStderr([]byte("booting\n"))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, c.Snapshot().TimedOut)
}

func TestControllerHeartbeatClearsStartup(t *testing.T) {
	var calls atomic.Int32
	c := NewController(context.Background(), Config{
		StartupTimeout: 40 * time.Millisecond,
		IdleTimeout:    time.Hour,
	}, Hooks{OnTimeout: func(domain.TimeoutReason) { calls.Add(1) }}, newTestLogger())
	defer c.Cleanup()
	c.Attach(&stubHandle{}, "agent", nil)
	c.Heartbeat()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestControllerIdleTimeoutMessage(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{IdleTimeout: 30 * time.Millisecond}, rec)
	h := &stubHandle{}
	c.Attach(h, "agent", nil)
	c.FeedStderr([]byte("ready"))

	require.Eventually(t, func() bool { return c.Snapshot().TimedOut }, time.Second, 5*time.Millisecond)
	res := c.Finish(context.Background(), domain.ExitStatus{Code: -1, Signal: "killed"})
	assert.Equal(t, "agent timed out after 30ms of inactivity", res.Error)
	reason, ok := IsTimeout(res.Cause)
	assert.True(t, ok)
	assert.Equal(t, domain.TimeoutIdle, reason)
}

func TestControllerOutputThenKilledIsSuccess(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{}, rec)
	c.Attach(&stubHandle{}, "agent", nil)

	c.FeedStdout([]byte("---OMNICLAW_OUTPUT_START---\n{\"status\":\"success\",\"result\":\"done\",\"newSessionId\":\"sess-1\"}\n---OMNICLAW_OUTPUT_END---\n"))
	res := c.Finish(context.Background(), domain.ExitStatus{Code: 137})

	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, "done", *res.Result)
	assert.Equal(t, "sess-1", res.NewSessionID)
	assert.Equal(t, 137, res.ExitCode)
	assert.Empty(t, res.Error)
	assert.Equal(t, domain.RunCrashed, c.Snapshot().State)
}

func TestControllerTimeoutAfterOutputPolicy(t *testing.T) {
	unit := "---OMNICLAW_OUTPUT_START---\n{\"status\":\"success\",\"result\":\"partial\",\"newSessionId\":\"s7\"}\n---OMNICLAW_OUTPUT_END---\n"

	for _, tt := range []struct {
		name   string
		policy bool
		want   domain.OutputStatus
	}{
		{"success on output", true, domain.StatusSuccess},
		{"surface timeout", false, domain.StatusError},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := newStreamingController(t, Config{IdleTimeout: 30 * time.Millisecond, SuccessOnOutputAfterTimeout: tt.policy}, rec)
			c.Attach(&stubHandle{}, "agent", nil)
			c.FeedStdout([]byte(unit))

			require.Eventually(t, func() bool { return c.Snapshot().TimedOut }, time.Second, 5*time.Millisecond)
			res := c.Finish(context.Background(), domain.ExitStatus{Code: 137})
			assert.Equal(t, tt.want, res.Status)
			assert.True(t, res.TimedOut)
			assert.Equal(t, "s7", res.NewSessionID)
		})
	}
}

func TestControllerExitWithoutOutput(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{StderrTailBytes: 9}, rec)
	c.Attach(&stubHandle{}, "agent", nil)
	c.FeedStderr([]byte("fatal: something broke\n"))

	res := c.Finish(context.Background(), domain.ExitStatus{Code: 2})
	assert.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, "agent exited with code 2: ng broke", res.Error)
	var ee *domain.ExitError
	require.True(t, errors.As(res.Cause, &ee))
	assert.Equal(t, 2, ee.Code)
}

func TestControllerCleanExitWithoutOutputIsError(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{}, rec)
	c.Attach(&stubHandle{}, "agent", nil)
	res := c.Finish(context.Background(), domain.ExitStatus{})
	assert.Equal(t, domain.StatusError, res.Status)
	assert.ErrorIs(t, res.Cause, domain.ErrProtocol)
}

func TestControllerKilledState(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{}, rec)
	h := &stubHandle{}
	c.Attach(h, "agent", nil)
	_ = h.Kill()

	res := c.Finish(context.Background(), domain.ExitStatus{Code: -1, Signal: "terminated"})
	assert.Equal(t, domain.RunKilled, c.Snapshot().State)
	assert.Equal(t, "agent exited with code -1 (terminated)", res.Error)
}

func TestControllerFeedsIgnoredWhenTerminal(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{}, rec)
	c.Attach(&stubHandle{}, "agent", nil)
	c.FeedStdout([]byte(helloUnit))
	first := c.Finish(context.Background(), domain.ExitStatus{})

	c.FeedStdout([]byte(helloUnit))
	c.FeedStderr([]byte("late"))
	<-c.Delivered()

	assert.Equal(t, []string{"hi"}, rec.texts())
	assert.Empty(t, c.Snapshot().Stream.Stderr)
	assert.Equal(t, first, c.Finish(context.Background(), domain.ExitStatus{Code: 1}))
}

func TestControllerFinishWaitsForDelivery(t *testing.T) {
	var delivered atomic.Bool
	c := NewController(context.Background(), Config{IdleTimeout: time.Hour, StartupTimeout: time.Hour}, Hooks{
		OnOutput: func(context.Context, domain.OutputRecord) error {
			time.Sleep(50 * time.Millisecond)
			delivered.Store(true)
			return nil
		},
	}, newTestLogger())
	defer c.Cleanup()
	c.Attach(&stubHandle{}, "agent", nil)
	c.FeedStdout([]byte(helloUnit))

	c.Finish(context.Background(), domain.ExitStatus{})
	assert.True(t, delivered.Load())
}

func TestControllerDeliveryOrderSlowFirst(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	c := NewController(context.Background(), Config{IdleTimeout: time.Hour, StartupTimeout: time.Hour}, Hooks{
		OnOutput: func(_ context.Context, rec domain.OutputRecord) error {
			if rec.Text() == "slow" {
				time.Sleep(60 * time.Millisecond)
			}
			mu.Lock()
			order = append(order, rec.Text())
			mu.Unlock()
			return nil
		},
	}, newTestLogger())
	defer c.Cleanup()
	c.Attach(&stubHandle{}, "agent", nil)

	c.FeedStdout([]byte("---OMNICLAW_OUTPUT_START---\n{\"status\":\"success\",\"result\":\"slow\"}\n---OMNICLAW_OUTPUT_END---\n"))
	c.FeedStdout([]byte("---OMNICLAW_OUTPUT_START---\n{\"status\":\"success\",\"result\":\"fast\"}\n---OMNICLAW_OUTPUT_END---\n"))
	c.Finish(context.Background(), domain.ExitStatus{})

	assert.Equal(t, []string{"slow", "fast"}, order)
}

func TestControllerDeliveryErrorDoesNotFailRun(t *testing.T) {
	c := NewController(context.Background(), Config{IdleTimeout: time.Hour, StartupTimeout: time.Hour}, Hooks{
		OnOutput: func(context.Context, domain.OutputRecord) error { return errors.New("channel down") },
	}, newTestLogger())
	defer c.Cleanup()
	c.Attach(&stubHandle{}, "agent", nil)
	c.FeedStdout([]byte(helloUnit))

	res := c.Finish(context.Background(), domain.ExitStatus{})
	assert.Equal(t, domain.StatusSuccess, res.Status)
}

func TestControllerAttachNotifiesProcess(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{}, rec)
	assert.Equal(t, domain.RunStarting, c.Snapshot().State)

	var gotName string
	var gotPID int
	c.Attach(&stubHandle{}, "omniclaw-main", func(h domain.ProcessHandle, name string) {
		gotName, gotPID = name, h.PID()
	})
	assert.Equal(t, "omniclaw-main", gotName)
	assert.Equal(t, 4242, gotPID)
	assert.Equal(t, domain.RunRunning, c.Snapshot().State)
}

func TestControllerAbort(t *testing.T) {
	rec := &recorder{}
	c := newStreamingController(t, Config{}, rec)
	res := c.Abort(domain.NewDomainError("spawn", domain.ErrProcess, "no such file"))
	assert.Equal(t, domain.StatusError, res.Status)
	assert.ErrorIs(t, res.Cause, domain.ErrProcess)
	assert.Equal(t, domain.RunCrashed, c.Snapshot().State)
}
