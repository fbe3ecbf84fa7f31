// Package server runs agents behind long-lived HTTP agent servers, one per
// group, in the style of `opencode serve`. A run creates or resumes a server
// session, posts the prompt and renders the reply as a marker-framed output
// record so it flows through the same controller as the stdio backends.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"omniclaw/internal/adapter/backend"
	"omniclaw/internal/domain"
	"omniclaw/internal/usecase/runner"
	"omniclaw/internal/usecase/stream"
)

// Name is the registry name of this backend.
const Name = "server"

const (
	defaultHost         = "127.0.0.1"
	defaultBasePort     = 4096
	defaultReadyTimeout = 30 * time.Second
	readyPollInterval   = 200 * time.Millisecond
	pingTimeout         = 2 * time.Second
	abortTimeout        = 5 * time.Second
)

// Config configures the server backend.
type Config struct {
	Command        []string
	Host           string
	BasePort       int
	ReadyTimeout   time.Duration
	RequestTimeout time.Duration
	Breaker        BreakerConfig
}

// Process is a running agent server.
type Process interface {
	Kill() error
	Exited() <-chan struct{}
}

// launchFunc starts the agent server for a group in dir and returns it with
// its base URL.
type launchFunc func(dir string, group domain.RegisteredGroup, port int) (Process, string, error)

type instance struct {
	port   int
	proc   Process
	client *Client
}

type liveRun struct {
	runID  string
	handle *runner.VirtualHandle

	mu        sync.Mutex
	inst      *instance
	sessionID string
}

func (lr *liveRun) bind(inst *instance, sessionID string) {
	lr.mu.Lock()
	lr.inst, lr.sessionID = inst, sessionID
	lr.mu.Unlock()
}

func (lr *liveRun) target() (*instance, string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.inst, lr.sessionID
}

// Backend is the HTTP agent-server domain.Backend.
type Backend struct {
	*backend.Files

	cfg        Config
	settings   runner.Settings
	ports      *PortAllocator
	httpClient *http.Client
	logger     *slog.Logger
	lookPath   func(string) (string, error)
	launch     launchFunc

	mu      sync.Mutex
	closed  bool
	servers map[string]*instance
	live    map[string]*liveRun
}

var _ domain.Backend = (*Backend)(nil)

// New creates a server backend. ports may be nil, in which case ports are
// allocated upward from cfg.BasePort.
func New(cfg Config, settings runner.Settings, files *backend.Files, ports *PortAllocator, logger *slog.Logger) *Backend {
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = defaultBasePort
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if ports == nil {
		ports = NewPortAllocator(cfg.BasePort, 1000)
	}
	b := &Backend{
		Files:      files,
		cfg:        cfg,
		settings:   settings,
		ports:      ports,
		httpClient: &http.Client{},
		logger:     logger.With("backend", Name),
		lookPath:   exec.LookPath,
		servers:    make(map[string]*instance),
		live:       make(map[string]*liveRun),
	}
	b.launch = b.startServer
	return b
}

// Name implements domain.Backend.
func (b *Backend) Name() string { return Name }

// Initialize checks that the server command exists.
func (b *Backend) Initialize(_ context.Context) error {
	if len(b.cfg.Command) == 0 {
		return domain.NewSubSystemError("server", "Initialize", domain.ErrBackendUnavailable, "no server command configured")
	}
	if _, err := b.lookPath(b.cfg.Command[0]); err != nil {
		return domain.NewSubSystemError("server", "Initialize", domain.ErrBackendUnavailable, err.Error())
	}
	return nil
}

// Shutdown aborts live runs and stops every agent server.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	servers := make(map[string]*instance, len(b.servers))
	for k, v := range b.servers {
		servers[k] = v
	}
	b.servers = make(map[string]*instance)
	runs := make([]*liveRun, 0, len(b.live))
	for _, lr := range b.live {
		runs = append(runs, lr)
	}
	b.mu.Unlock()

	for _, lr := range runs {
		if err := lr.handle.Kill(); err != nil {
			b.logger.Warn("abort run failed", "run_id", lr.runID, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for folder, inst := range servers {
		g.Go(func() error {
			defer b.ports.Release(inst.port)
			if err := inst.proc.Kill(); err != nil {
				return fmt.Errorf("stop server %s: %w", folder, err)
			}
			select {
			case <-inst.proc.Exited():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("stop server %s: %w", folder, gctx.Err())
			}
		})
	}
	return g.Wait()
}

// startServer launches the configured server command for a group.
func (b *Backend) startServer(dir string, group domain.RegisteredGroup, port int) (Process, string, error) {
	args := append([]string{}, b.cfg.Command[1:]...)
	args = append(args, "--hostname", b.cfg.Host, "--port", strconv.Itoa(port))
	cmd := exec.Command(b.cfg.Command[0], args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"OMNICLAW_GROUP="+group.Folder,
		"OMNICLAW_IPC_DIR="+b.IPC.GroupDir(group.Folder),
	)
	h, err := runner.StartProcess(cmd, b.settings.Grace())
	if err != nil {
		return nil, "", err
	}
	return h, "http://" + net.JoinHostPort(b.cfg.Host, strconv.Itoa(port)), nil
}

// ensureServer returns the group's running server, starting one if needed.
// Callers hold the group's live slot, so two launches for one group never
// race.
func (b *Backend) ensureServer(ctx context.Context, dir string, group domain.RegisteredGroup) (*instance, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.NewSubSystemError("server", "ensureServer", domain.ErrBackendUnavailable, "backend is shut down")
	}
	if inst, ok := b.servers[group.Folder]; ok {
		select {
		case <-inst.proc.Exited():
			delete(b.servers, group.Folder)
			b.ports.Release(inst.port)
		default:
			b.mu.Unlock()
			return inst, nil
		}
	}
	b.mu.Unlock()

	port, err := b.ports.Acquire(group.Folder)
	if err != nil {
		return nil, err
	}
	proc, baseURL, err := b.launch(dir, group, port)
	if err != nil {
		b.ports.Release(port)
		return nil, fmt.Errorf("start agent server: %w", err)
	}
	inst := &instance{
		port:   port,
		proc:   proc,
		client: NewClient(group.Folder, baseURL, b.httpClient, b.cfg.Breaker, b.logger),
	}
	logger := b.logger.With("group", group.Folder, "port", port)
	if err := b.waitReady(ctx, inst); err != nil {
		_ = proc.Kill()
		b.ports.Release(port)
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = proc.Kill()
		b.ports.Release(port)
		return nil, domain.NewSubSystemError("server", "ensureServer", domain.ErrBackendUnavailable, "backend is shut down")
	}
	b.servers[group.Folder] = inst
	b.mu.Unlock()
	logger.Info("agent server started")

	go func() {
		<-proc.Exited()
		b.mu.Lock()
		if b.servers[group.Folder] == inst {
			delete(b.servers, group.Folder)
			b.ports.Release(port)
		}
		b.mu.Unlock()
		logger.Info("agent server exited")
	}()
	return inst, nil
}

func (b *Backend) waitReady(ctx context.Context, inst *instance) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
		err := inst.client.Ping(pctx)
		pcancel()
		if err == nil {
			return nil
		}
		select {
		case <-inst.proc.Exited():
			return fmt.Errorf("agent server exited during startup")
		case <-ctx.Done():
			return fmt.Errorf("agent server not ready: %w", err)
		case <-ticker.C:
		}
	}
}

// RunAgent implements domain.Backend.
func (b *Backend) RunAgent(ctx context.Context, group domain.RegisteredGroup, input domain.AgentInput, onProcess domain.ProcessFunc, onOutput domain.OutputFunc) (domain.AgentResult, error) {
	if err := backend.PrepareInput(group, &input); err != nil {
		return domain.AgentResult{}, err
	}
	dir, err := b.PrepareGroup(group.Folder)
	if err != nil {
		return domain.AgentResult{}, err
	}
	if err := b.ClearInput(group.Folder); err != nil {
		b.logger.Warn("clear stale input failed", "group", group.Folder, "error", err)
	}

	runID := runner.RunIDFor(input)
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	lr := &liveRun{runID: runID}
	handle := runner.NewVirtualHandle(func() error {
		cancelReq()
		inst, sid := lr.target()
		if inst == nil || sid == "" {
			return nil
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		return inst.client.Abort(actx, sid)
	})
	lr.handle = handle

	b.mu.Lock()
	if _, busy := b.live[group.Folder]; busy {
		b.mu.Unlock()
		return domain.AgentResult{}, domain.NewSubSystemError("server", "RunAgent", domain.ErrGroupBusy, group.Folder)
	}
	b.live[group.Folder] = lr
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.live, group.Folder)
		b.mu.Unlock()
	}()

	ctrl := runner.NewController(ctx, b.settings.ConfigFor(runID, Name, group, input),
		runner.Hooks{OnOutput: onOutput}, b.logger)
	ctrl.Attach(handle, runID, onProcess)
	stop := context.AfterFunc(ctx, func() { _ = handle.Kill() })
	defer stop()

	exit := b.converse(reqCtx, dir, group, input, lr, ctrl, handle)
	return ctrl.Finish(context.WithoutCancel(ctx), exit), nil
}

// converse runs one prompt round trip and feeds the reply into ctrl.
func (b *Backend) converse(ctx context.Context, dir string, group domain.RegisteredGroup, input domain.AgentInput, lr *liveRun, ctrl *runner.Controller, handle *runner.VirtualHandle) domain.ExitStatus {
	fail := func(err error) domain.ExitStatus {
		if handle.Killed() {
			return domain.ExitStatus{Code: -1, Signal: "killed"}
		}
		ctrl.FeedStderr([]byte(err.Error() + "\n"))
		return domain.ExitStatus{Code: 1, Err: err}
	}

	inst, err := b.ensureServer(ctx, dir, group)
	if err != nil {
		return fail(err)
	}
	ctrl.Heartbeat()

	if b.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()
	}

	sid := input.SessionID
	if sid == "" {
		if sid, err = inst.client.CreateSession(ctx, group.Name); err != nil {
			return fail(err)
		}
	}
	lr.bind(inst, sid)

	body, err := inst.client.Prompt(ctx, sid, input.Prompt)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound && input.SessionID != "" {
		// The server restarted and forgot the session.
		b.logger.Info("session unknown to server, starting a new one", "group", group.Folder, "session", sid)
		if sid, err = inst.client.CreateSession(ctx, group.Name); err != nil {
			return fail(err)
		}
		lr.bind(inst, sid)
		body, err = inst.client.Prompt(ctx, sid, input.Prompt)
	}
	if err != nil {
		return fail(err)
	}

	rec := domain.OutputRecord{Status: domain.StatusSuccess, NewSessionID: sid}
	if text, ok, keys := ExtractText(body); ok {
		rec.Result = &text
	} else {
		b.logger.Warn("no text in agent server response", "group", group.Folder, "keys", keys)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fail(err)
	}
	ctrl.FeedStdout(stream.Frame(payload))
	return domain.ExitStatus{}
}

func (b *Backend) isLive(groupFolder string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.live[groupFolder]
	return ok
}

// SendMessage queues text as an IPC input file for the live run. The
// server protocol has no side channel into an in-flight prompt.
func (b *Backend) SendMessage(_ context.Context, groupFolder, text string) bool {
	if !b.isLive(groupFolder) {
		return false
	}
	if err := b.QueueInput(groupFolder, text); err != nil {
		b.logger.Error("queue input failed", "group", groupFolder, "error", err)
		return false
	}
	return true
}

// CloseStdin drops the _close sentinel for the live run.
func (b *Backend) CloseStdin(_ context.Context, groupFolder string) {
	if !b.isLive(groupFolder) {
		return
	}
	if err := b.QueueClose(groupFolder); err != nil {
		b.logger.Warn("write close sentinel failed", "group", groupFolder, "error", err)
	}
}

// Servers returns the groups with a running agent server and their ports.
func (b *Backend) Servers() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.servers))
	for folder, inst := range b.servers {
		out[folder] = inst.port
	}
	return out
}
