//go:build !windows

package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniclaw/internal/adapter/backend"
	"omniclaw/internal/domain"
	"omniclaw/internal/security"
	"omniclaw/internal/usecase/ipc"
	"omniclaw/internal/usecase/runner"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	root := t.TempDir()
	ws, err := security.NewWorkspace(filepath.Join(root, "groups"))
	require.NoError(t, err)
	files := backend.NewFiles(ws, ipc.Layout{Root: filepath.Join(root, "ipc")})
	settings := runner.Settings{StartupTimeout: 5 * time.Second, IdleTimeout: 5 * time.Second, KillGrace: time.Second}
	return New(cfg, settings, files, newTestLogger())
}

func shell(script string) Config {
	return Config{Runtime: RuntimeNone, Command: []string{"sh", "-c", script}}
}

var mainGroup = domain.RegisteredGroup{Folder: "main", JID: "1", Channel: "telegram", IsMain: true}

type collector struct {
	mu   sync.Mutex
	recs []domain.OutputRecord
	seen chan struct{}
}

func newCollector() *collector { return &collector{seen: make(chan struct{}, 16)} }

func (c *collector) onOutput(_ context.Context, rec domain.OutputRecord) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.recs))
	for i, r := range c.recs {
		out[i] = r.Text()
	}
	return out
}

func waitSeen(t *testing.T, c *collector) {
	t.Helper()
	select {
	case <-c.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output")
	}
}

// echoLoop emits one output per stdin line until EOF.
const echoLoop = `n=0
while IFS= read -r line; do
  n=$((n+1))
  printf '%s\n' '---OMNICLAW_OUTPUT_START---' "{\"status\":\"success\",\"result\":\"line $n\",\"newSessionId\":\"s$n\"}" '---OMNICLAW_OUTPUT_END---'
done`

func TestRunAgentDirectCommand(t *testing.T) {
	b := newTestBackend(t, shell(`read -r input; echo "noise"; printf '%s\n' '---OMNICLAW_OUTPUT_START---' '{"status":"success","result":"hi"}' '---OMNICLAW_OUTPUT_END---'`))
	c := newCollector()

	var pid int
	res, err := b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "hello"},
		func(h domain.ProcessHandle, _ string) { pid = h.PID() }, c.onOutput)
	require.NoError(t, err)
	assert.True(t, res.OK(), res.Error)
	assert.Equal(t, "hi", *res.Result)
	assert.Equal(t, []string{"hi"}, c.texts())
	assert.Positive(t, pid)
	assert.NotEmpty(t, res.RunID)
}

func TestRunAgentReceivesInputJSON(t *testing.T) {
	b := newTestBackend(t, shell(`read -r input; case "$input" in *'"prompt":"ping"'*'"groupFolder":"main"'*) r=pong;; *) r=bad;; esac; printf '%s\n' '---OMNICLAW_OUTPUT_START---' "{\"status\":\"success\",\"result\":\"$r\"}" '---OMNICLAW_OUTPUT_END---'`))

	res, err := b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "ping"}, nil, nil)
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "pong", *res.Result)
}

func TestSendMessagePipesIntoLiveRun(t *testing.T) {
	b := newTestBackend(t, shell(echoLoop))
	c := newCollector()
	ctx := context.Background()

	assert.False(t, b.SendMessage(ctx, "main", "nobody home"))

	done := make(chan domain.AgentResult, 1)
	go func() {
		res, err := b.RunAgent(ctx, mainGroup, domain.AgentInput{Prompt: "first"}, nil, c.onOutput)
		assert.NoError(t, err)
		done <- res
	}()

	waitSeen(t, c)
	assert.True(t, b.SendMessage(ctx, "main", "second"))
	waitSeen(t, c)
	b.CloseStdin(ctx, "main")

	select {
	case res := <-done:
		require.True(t, res.OK(), res.Error)
		assert.Equal(t, "line 2", *res.Result)
		assert.Equal(t, "s2", res.NewSessionID)
		assert.Equal(t, 2, res.Outputs)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after CloseStdin")
	}
	assert.Equal(t, []string{"line 1", "line 2"}, c.texts())

	_, err := os.Stat(filepath.Join(b.IPC.InputDir("main"), domain.IPCCloseSentinel))
	assert.NoError(t, err, "close sentinel should be dropped")
	assert.False(t, b.SendMessage(ctx, "main", "after"))
}

func TestStdinWritesDoNotBlockWhenAgentStopsReading(t *testing.T) {
	b := newTestBackend(t, shell(`read -r input; sleep 30`))
	b.writeTimeout = 200 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.RunAgent(ctx, mainGroup, domain.AgentInput{Prompt: "hello"}, nil, nil)
	}()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		lr := b.live["main"]
		b.mu.Unlock()
		if lr == nil {
			return false
		}
		lr.mu.Lock()
		defer lr.mu.Unlock()
		return lr.stdin != nil
	}, 5*time.Second, 10*time.Millisecond)

	// Larger than any pipe buffer, so the write can only end by timing out.
	sent := make(chan bool, 1)
	go func() { sent <- b.SendMessage(ctx, "main", strings.Repeat("x", 4<<20)) }()
	select {
	case ok := <-sent:
		assert.True(t, ok, "message should fall back to an ipc file")
	case <-time.After(5 * time.Second):
		t.Fatal("SendMessage blocked on a stalled agent")
	}
	entries, err := os.ReadDir(b.IPC.InputDir("main"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".json"))

	closed := make(chan struct{})
	go func() {
		b.CloseStdin(ctx, "main")
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("CloseStdin blocked on a stalled agent")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunAgentKeepsQueuedInput(t *testing.T) {
	b := newTestBackend(t, shell(`read -r input
dir="$OMNICLAW_IPC_DIR/input"
n=$(ls "$dir" | grep -c '\.json$')
if [ -e "$dir/_close" ]; then c=closed; else c=open; fi
t=$(ls -a "$dir" | grep -c '^\.tmp-')
printf '%s\n' '---OMNICLAW_OUTPUT_START---' "{\"status\":\"success\",\"result\":\"$n $c $t\"}" '---OMNICLAW_OUTPUT_END---'`))

	_, err := b.PrepareGroup("main")
	require.NoError(t, err)
	require.NoError(t, b.QueueInput("main", "sent while no run was live"))
	require.NoError(t, b.QueueClose("main"))
	require.NoError(t, os.WriteFile(filepath.Join(b.IPC.InputDir("main"), ".tmp-partial"), []byte("{"), 0o644))

	res, err := b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "hello"}, nil, nil)
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "1 open 0", *res.Result)
}

func TestRunAgentGroupBusy(t *testing.T) {
	b := newTestBackend(t, shell(echoLoop))
	c := newCollector()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.RunAgent(ctx, mainGroup, domain.AgentInput{Prompt: "first"}, nil, c.onOutput)
	}()
	waitSeen(t, c)

	_, err := b.RunAgent(ctx, mainGroup, domain.AgentInput{Prompt: "again"}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrGroupBusy)

	b.CloseStdin(ctx, "main")
	<-done
}

func TestRunAgentNonZeroExit(t *testing.T) {
	b := newTestBackend(t, shell(`echo "boom" >&2; exit 3`))

	res, err := b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "x"}, nil, func(context.Context, domain.OutputRecord) error { return nil })
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Error, "agent exited with code 3")
	assert.Contains(t, res.Error, "boom")
	assert.ErrorIs(t, res.Cause, domain.ErrProcess)
}

func TestRunAgentShutdownKills(t *testing.T) {
	b := newTestBackend(t, shell(`echo started >&2; sleep 30`))

	started := make(chan struct{})
	done := make(chan domain.AgentResult, 1)
	go func() {
		res, _ := b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "x"},
			func(domain.ProcessHandle, string) { close(started) }, func(context.Context, domain.OutputRecord) error { return nil })
		done <- res
	}()
	<-started
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		lr := b.live["main"]
		return lr != nil && lr.handle != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Shutdown(context.Background()))
	select {
	case res := <-done:
		assert.False(t, res.OK())
	case <-time.After(5 * time.Second):
		t.Fatal("run not killed by shutdown")
	}
}

func TestRunAgentRejectsBadInput(t *testing.T) {
	b := newTestBackend(t, shell("true"))
	_, err := b.RunAgent(context.Background(), mainGroup, domain.AgentInput{}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "x", GroupFolder: "other"}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestInitialize(t *testing.T) {
	b := newTestBackend(t, Config{Runtime: "docker", Image: "img"})
	b.lookPath = func(string) (string, error) { return "", errors.New("not installed") }
	err := b.Initialize(context.Background())
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	b = newTestBackend(t, shell("true"))
	assert.NoError(t, b.Initialize(context.Background()))

	b = newTestBackend(t, Config{Runtime: RuntimeNone})
	assert.ErrorIs(t, b.Initialize(context.Background()), domain.ErrBackendUnavailable)
}

func TestContainerCommand(t *testing.T) {
	b := newTestBackend(t, Config{
		Runtime:   "podman",
		Image:     "agent:1",
		Command:   []string{"run-agent"},
		ExtraArgs: []string{"--network=none"},
		Env:       map[string]string{"B": "2", "A": "1"},
	})
	cmd, name := b.command("my_group", "01ABC", "/data/groups/my_group")

	assert.Equal(t, "omniclaw-my-group-01abc", name)
	args := strings.Join(cmd.Args[1:], " ")
	assert.True(t, strings.HasPrefix(args, "run -i --rm --name omniclaw-my-group-01abc"), args)
	assert.Contains(t, args, "-v /data/groups/my_group:/workspace/group")
	assert.Contains(t, args, "-e OMNICLAW_GROUP=my_group -e A=1 -e B=2 --network=none agent:1 run-agent")
}

func TestFilesScopedToGroup(t *testing.T) {
	b := newTestBackend(t, shell("true"))
	ctx := context.Background()

	require.NoError(t, b.WriteFile(ctx, "main", "notes/todo.md", []byte("milk")))
	data, err := b.ReadFile(ctx, "main", "notes/todo.md")
	require.NoError(t, err)
	assert.Equal(t, "milk", string(data))

	_, err = b.ReadFile(ctx, "main", "missing.md")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, b.WriteFile(ctx, "main", "../escape.md", nil), domain.ErrPathOutsideWorkspace)

	require.NoError(t, b.WriteIPCData(ctx, "main", "available_groups.json", []byte(`[]`)))
	_, err = os.Stat(filepath.Join(b.IPC.GroupDir("main"), "available_groups.json"))
	assert.NoError(t, err)
	assert.Error(t, b.WriteIPCData(ctx, "main", "../x.json", nil))
}
