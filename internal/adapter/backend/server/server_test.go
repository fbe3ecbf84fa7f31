package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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

// fakeAgent speaks the session API of an agent server.
type fakeAgent struct {
	mu       sync.Mutex
	next     int
	sessions map[string]bool
	prompts  []string
	aborts   int
	block    chan struct{}
	started  chan struct{}
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{sessions: make(map[string]bool), started: make(chan struct{}, 8)}
}

func (f *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.next++
		id := fmt.Sprintf("ses_%d", f.next)
		f.sessions[id] = true
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		known := f.sessions[r.PathValue("id")]
		block := f.block
		f.mu.Unlock()
		if !known {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		var req promptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Parts) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.prompts = append(f.prompts, req.Parts[0].Text)
		f.mu.Unlock()
		f.started <- struct{}{}
		if block != nil {
			select {
			case <-block:
			case <-r.Context().Done():
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"info":  map[string]string{"id": "msg_1", "role": "assistant"},
			"parts": []map[string]string{{"type": "text", "text": "echo: " + req.Parts[0].Text}},
		})
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.aborts++
		f.mu.Unlock()
		_, _ = w.Write([]byte("true"))
	})
	return mux
}

func (f *fakeAgent) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

type fakeProc struct {
	once   sync.Once
	exited chan struct{}
}

func newFakeProc() *fakeProc { return &fakeProc{exited: make(chan struct{})} }

func (p *fakeProc) Kill() error {
	p.once.Do(func() { close(p.exited) })
	return nil
}

func (p *fakeProc) Exited() <-chan struct{} { return p.exited }

type harness struct {
	b        *Backend
	agent    *fakeAgent
	files    *backend.Files
	mu       sync.Mutex
	launches int
	procs    []*fakeProc
}

func newHarness(t *testing.T, settings runner.Settings) *harness {
	t.Helper()
	if settings.StartupTimeout == 0 {
		settings.StartupTimeout = 5 * time.Second
	}
	if settings.IdleTimeout == 0 {
		settings.IdleTimeout = 5 * time.Second
	}
	settings.KillGrace = 100 * time.Millisecond

	agent := newFakeAgent()
	srv := httptest.NewServer(agent.handler())
	t.Cleanup(srv.Close)

	root := t.TempDir()
	ws, err := security.NewWorkspace(filepath.Join(root, "groups"))
	require.NoError(t, err)
	files := backend.NewFiles(ws, ipc.Layout{Root: filepath.Join(root, "ipc")})

	h := &harness{agent: agent, files: files}
	h.b = New(Config{Command: []string{"agent-server"}, BasePort: 7000, ReadyTimeout: 2 * time.Second},
		settings, files, NewPortAllocator(7000, 10), newTestLogger())
	h.b.launch = func(dir string, group domain.RegisteredGroup, port int) (Process, string, error) {
		p := newFakeProc()
		h.mu.Lock()
		h.launches++
		h.procs = append(h.procs, p)
		h.mu.Unlock()
		return p, srv.URL, nil
	}
	return h
}

var mainGroup = domain.RegisteredGroup{Folder: "main", Name: "Main", JID: "1", Channel: "discord", IsMain: true}

func TestServerRunReturnsReply(t *testing.T) {
	h := newHarness(t, runner.Settings{})

	var got []domain.OutputRecord
	var pid int
	res, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "hello"},
		func(handle domain.ProcessHandle, _ string) { pid = handle.PID() },
		func(_ context.Context, rec domain.OutputRecord) error {
			got = append(got, rec)
			return nil
		})
	require.NoError(t, err)
	assert.True(t, res.OK(), res.Error)
	assert.Equal(t, "echo: hello", *res.Result)
	assert.Equal(t, "ses_1", res.NewSessionID)
	assert.Equal(t, domain.VirtualPID, pid)
	require.Len(t, got, 1)
	assert.Equal(t, "echo: hello", got[0].Text())
	assert.Equal(t, map[string]int{"main": 7000}, h.b.Servers())
}

func TestServerReusedAcrossRuns(t *testing.T) {
	h := newHarness(t, runner.Settings{})

	first, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "one"}, nil, nil)
	require.NoError(t, err)
	second, err := h.b.RunAgent(context.Background(), mainGroup,
		domain.AgentInput{Prompt: "two", SessionID: first.NewSessionID}, nil, nil)
	require.NoError(t, err)

	assert.True(t, second.OK())
	assert.Equal(t, first.NewSessionID, second.NewSessionID)
	assert.Equal(t, 1, h.launches)
}

func TestServerForgottenSessionStartsNewOne(t *testing.T) {
	h := newHarness(t, runner.Settings{})

	res, err := h.b.RunAgent(context.Background(), mainGroup,
		domain.AgentInput{Prompt: "hi", SessionID: "ses_gone"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.OK(), res.Error)
	assert.Equal(t, "ses_1", res.NewSessionID)
}

func TestServerRestartsExitedServer(t *testing.T) {
	h := newHarness(t, runner.Settings{})

	_, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "one"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.procs[0].Kill())
	require.Eventually(t, func() bool { return len(h.b.Servers()) == 0 }, 2*time.Second, 5*time.Millisecond)

	res, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "two"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 2, h.launches)
	assert.Equal(t, map[string]int{"main": 7001}, h.b.Servers())
}

func TestServerLaunchFailure(t *testing.T) {
	h := newHarness(t, runner.Settings{})
	h.b.launch = func(string, domain.RegisteredGroup, int) (Process, string, error) {
		return nil, "", errors.New("exec: not found")
	}

	res, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "x"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, res.Status)
	assert.Contains(t, res.Error, "exec: not found")
	assert.ErrorIs(t, res.Cause, domain.ErrProcess)
	assert.Equal(t, 0, h.b.ports.Held())
}

func TestServerKillAbortsPrompt(t *testing.T) {
	h := newHarness(t, runner.Settings{})
	h.agent.block = make(chan struct{})
	defer close(h.agent.block)

	handles := make(chan domain.ProcessHandle, 1)
	done := make(chan domain.AgentResult, 1)
	go func() {
		res, _ := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "slow"},
			func(handle domain.ProcessHandle, _ string) { handles <- handle }, nil)
		done <- res
	}()

	handle := <-handles
	<-h.agent.started
	require.NoError(t, handle.Kill())

	select {
	case res := <-done:
		assert.Equal(t, domain.StatusError, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resolve after kill")
	}
	assert.Equal(t, 1, h.agent.abortCount())
}

func TestServerIdleTimeout(t *testing.T) {
	h := newHarness(t, runner.Settings{IdleTimeout: 50 * time.Millisecond})
	h.agent.block = make(chan struct{})
	defer close(h.agent.block)

	res, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "slow"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, res.Status)
	assert.True(t, res.TimedOut)
	reason, ok := runner.IsTimeout(res.Cause)
	assert.True(t, ok)
	assert.Equal(t, domain.TimeoutIdle, reason)
}

func TestServerSendMessageQueuesInput(t *testing.T) {
	h := newHarness(t, runner.Settings{})
	assert.False(t, h.b.SendMessage(context.Background(), "main", "early"))

	h.agent.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "slow"}, nil, nil)
	}()
	<-h.agent.started

	assert.True(t, h.b.SendMessage(context.Background(), "main", "follow up"))
	h.b.CloseStdin(context.Background(), "main")

	entries, err := os.ReadDir(h.files.IPC.InputDir("main"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, domain.IPCCloseSentinel)
	assert.Len(t, names, 2)

	close(h.agent.block)
	<-done
}

func TestServerBusyGroup(t *testing.T) {
	h := newHarness(t, runner.Settings{})
	h.agent.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "slow"}, nil, nil)
	}()
	<-h.agent.started

	_, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "again"}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrGroupBusy)

	close(h.agent.block)
	<-done
}

func TestServerShutdownStopsServers(t *testing.T) {
	h := newHarness(t, runner.Settings{})
	_, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "one"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.b.Shutdown(context.Background()))
	select {
	case <-h.procs[0].Exited():
	default:
		t.Fatal("server not stopped")
	}
	assert.Empty(t, h.b.Servers())
	assert.Equal(t, 0, h.b.ports.Held())

	res, err := h.b.RunAgent(context.Background(), mainGroup, domain.AgentInput{Prompt: "late"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, res.Status)
}

func TestServerInitialize(t *testing.T) {
	h := newHarness(t, runner.Settings{})
	h.b.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	assert.ErrorIs(t, h.b.Initialize(context.Background()), domain.ErrBackendUnavailable)

	h.b.lookPath = func(string) (string, error) { return "/usr/bin/agent-server", nil }
	assert.NoError(t, h.b.Initialize(context.Background()))

	h.b.cfg.Command = nil
	assert.ErrorIs(t, h.b.Initialize(context.Background()), domain.ErrBackendUnavailable)
}
