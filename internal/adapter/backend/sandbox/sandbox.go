// Package sandbox runs agents in a remote sandbox that exchanges input,
// output and workspace files with the host through an object store.
//
// Object layout under the configured prefix:
//
//	queue/<run>                 run announcement for sandbox workers
//	runs/<run>/input.json       AgentInput
//	runs/<run>/input/<ulid>.json follow-up IPC messages, plus input/_close
//	runs/<run>/started          written by the worker once the agent runs
//	runs/<run>/stdout/<seq>     agent stdout chunks, seq sorts in order
//	runs/<run>/stderr/<seq>     agent stderr chunks
//	runs/<run>/exit.json        {"code":0,"signal":""}
//	runs/<run>/_kill            written by the host to stop the run
//	groups/<folder>/<path>      group workspace files
//	ipc/<folder>/<name>         IPC data files
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"omniclaw/internal/adapter/backend"
	"omniclaw/internal/domain"
	"omniclaw/internal/security"
	"omniclaw/internal/usecase/ipc"
	"omniclaw/internal/usecase/runner"
)

// Name is the registry name of this backend.
const Name = "sandbox"

const (
	defaultPollInterval = 2 * time.Second
	storeOpTimeout      = 30 * time.Second
)

// Config configures the sandbox backend.
type Config struct {
	Prefix       string
	PollInterval time.Duration
}

// Opener creates the object store at Initialize time.
type Opener func(ctx context.Context) (ObjectStore, error)

// Backend is the object-store sandbox domain.Backend.
type Backend struct {
	cfg      Config
	settings runner.Settings
	open     Opener
	logger   *slog.Logger

	mu    sync.Mutex
	store ObjectStore
	live  map[string]*liveRun
}

var _ domain.Backend = (*Backend)(nil)

type liveRun struct {
	runID  string
	handle *runner.VirtualHandle
}

type exitRecord struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

type queueEntry struct {
	RunID string `json:"runId"`
	Group string `json:"group"`
}

// New creates a sandbox backend.
func New(cfg Config, settings runner.Settings, open Opener, logger *slog.Logger) *Backend {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Backend{
		cfg:      cfg,
		settings: settings,
		open:     open,
		logger:   logger.With("backend", Name),
		live:     make(map[string]*liveRun),
	}
}

// Name implements domain.Backend.
func (b *Backend) Name() string { return Name }

// Initialize opens the object store and checks it is reachable.
func (b *Backend) Initialize(ctx context.Context) error {
	store, err := b.open(ctx)
	if err != nil {
		return domain.NewSubSystemError("sandbox", "Initialize", domain.ErrBackendUnavailable, err.Error())
	}
	if err := store.Ping(ctx); err != nil {
		return domain.NewSubSystemError("sandbox", "Initialize", domain.ErrBackendUnavailable, err.Error())
	}
	b.mu.Lock()
	b.store = store
	b.mu.Unlock()
	return nil
}

// Shutdown stops every live run.
func (b *Backend) Shutdown(_ context.Context) error {
	b.mu.Lock()
	runs := make([]*liveRun, 0, len(b.live))
	for _, lr := range b.live {
		runs = append(runs, lr)
	}
	b.mu.Unlock()

	var errs []error
	for _, lr := range runs {
		if err := lr.handle.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", lr.runID, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) objects() (ObjectStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store == nil {
		return nil, domain.NewSubSystemError("sandbox", "objects", domain.ErrBackendUnavailable, "not initialized")
	}
	return b.store, nil
}

func (b *Backend) key(parts ...string) string {
	return path.Join(append([]string{b.cfg.Prefix}, parts...)...)
}

func (b *Backend) runKey(runID string, parts ...string) string {
	return b.key(append([]string{"runs", runID}, parts...)...)
}

// RunAgent implements domain.Backend.
func (b *Backend) RunAgent(ctx context.Context, group domain.RegisteredGroup, input domain.AgentInput, onProcess domain.ProcessFunc, onOutput domain.OutputFunc) (domain.AgentResult, error) {
	if err := backend.PrepareInput(group, &input); err != nil {
		return domain.AgentResult{}, err
	}
	store, err := b.objects()
	if err != nil {
		return domain.AgentResult{}, err
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return domain.AgentResult{}, fmt.Errorf("marshal agent input: %w", err)
	}

	runID := runner.RunIDFor(input)
	opCtx := context.WithoutCancel(ctx)
	handle := runner.NewVirtualHandle(func() error {
		kctx, cancel := context.WithTimeout(opCtx, storeOpTimeout)
		defer cancel()
		return store.Put(kctx, b.runKey(runID, "_kill"), nil)
	})

	b.mu.Lock()
	if _, busy := b.live[group.Folder]; busy {
		b.mu.Unlock()
		return domain.AgentResult{}, domain.NewSubSystemError("sandbox", "RunAgent", domain.ErrGroupBusy, group.Folder)
	}
	b.live[group.Folder] = &liveRun{runID: runID, handle: handle}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.live, group.Folder)
		b.mu.Unlock()
	}()

	ctrl := runner.NewController(ctx, b.settings.ConfigFor(runID, Name, group, input),
		runner.Hooks{OnOutput: onOutput}, b.logger)

	if err := store.Put(opCtx, b.runKey(runID, "input.json"), payload); err != nil {
		return ctrl.Abort(domain.NewSubSystemError("sandbox", "RunAgent", domain.ErrProcess, "submit input: "+err.Error())), nil
	}
	entry, _ := json.Marshal(queueEntry{RunID: runID, Group: group.Folder})
	if err := store.Put(opCtx, b.key("queue", runID), entry); err != nil {
		return ctrl.Abort(domain.NewSubSystemError("sandbox", "RunAgent", domain.ErrProcess, "enqueue run: "+err.Error())), nil
	}

	ctrl.Attach(handle, runID, onProcess)
	exit := b.poll(ctx, store, runID, ctrl, handle)
	res := ctrl.Finish(opCtx, exit)
	b.cleanupRun(opCtx, store, runID)
	return res, nil
}

// poll copies remote output into ctrl until the run exits, or until the
// kill grace expires after the handle was killed.
func (b *Backend) poll(ctx context.Context, store ObjectStore, runID string, ctrl *runner.Controller, handle *runner.VirtualHandle) domain.ExitStatus {
	opCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	var lastOut, lastErr string
	var started bool
	var killedAt time.Time
	for {
		b.drain(opCtx, store, b.runKey(runID, "stdout")+"/", &lastOut, ctrl.FeedStdout)
		b.drain(opCtx, store, b.runKey(runID, "stderr")+"/", &lastErr, ctrl.FeedStderr)

		if !started {
			if _, err := store.Get(opCtx, b.runKey(runID, "started")); err == nil {
				started = true
				ctrl.Heartbeat()
			}
		}

		data, err := store.Get(opCtx, b.runKey(runID, "exit.json"))
		switch {
		case err == nil:
			// Chunks written before the exit record may have landed after
			// the drain above.
			b.drain(opCtx, store, b.runKey(runID, "stdout")+"/", &lastOut, ctrl.FeedStdout)
			b.drain(opCtx, store, b.runKey(runID, "stderr")+"/", &lastErr, ctrl.FeedStderr)
			var rec exitRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return domain.ExitStatus{Code: -1, Err: fmt.Errorf("decode exit record: %w", err)}
			}
			return domain.ExitStatus{Code: rec.Code, Signal: rec.Signal}
		case !errors.Is(err, domain.ErrNotFound):
			b.logger.Warn("read exit record failed", "run_id", runID, "error", err)
		}

		if handle.Killed() {
			if killedAt.IsZero() {
				killedAt = time.Now()
			} else if time.Since(killedAt) >= b.settings.Grace() {
				return domain.ExitStatus{Code: -1, Signal: "killed"}
			}
		}

		select {
		case <-done:
			done = nil
			if err := handle.Kill(); err != nil {
				b.logger.Warn("kill on cancel failed", "run_id", runID, "error", err)
			}
		case <-ticker.C:
		}
	}
}

// drain feeds every object under prefix newer than *last, in key order.
func (b *Backend) drain(ctx context.Context, store ObjectStore, prefix string, last *string, feed func([]byte)) {
	keys, err := store.List(ctx, prefix, *last)
	if err != nil {
		b.logger.Warn("list output chunks failed", "prefix", prefix, "error", err)
		return
	}
	for _, k := range keys {
		data, err := store.Get(ctx, k)
		if err != nil {
			b.logger.Warn("read output chunk failed", "key", k, "error", err)
			return
		}
		feed(data)
		*last = k
	}
}

func (b *Backend) cleanupRun(ctx context.Context, store ObjectStore, runID string) {
	keys, err := store.List(ctx, b.runKey(runID)+"/", "")
	if err != nil {
		b.logger.Warn("list run objects failed", "run_id", runID, "error", err)
		return
	}
	keys = append(keys, b.key("queue", runID))
	if err := store.Delete(ctx, keys...); err != nil {
		b.logger.Warn("delete run objects failed", "run_id", runID, "error", err)
	}
}

func (b *Backend) liveRun(groupFolder string) *liveRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[groupFolder]
}

// SendMessage drops an IPC message object into the live run's input.
func (b *Backend) SendMessage(ctx context.Context, groupFolder, text string) bool {
	lr := b.liveRun(groupFolder)
	if lr == nil {
		return false
	}
	store, err := b.objects()
	if err != nil {
		return false
	}
	data, err := json.Marshal(domain.IPCMessage{Type: domain.IPCTypeMessage, Text: text})
	if err != nil {
		return false
	}
	if err := store.Put(ctx, b.runKey(lr.runID, domain.IPCInputDir, ipc.NewFileName()), data); err != nil {
		b.logger.Error("queue sandbox input failed", "group", groupFolder, "error", err)
		return false
	}
	return true
}

// CloseStdin drops the _close sentinel into the live run's input.
func (b *Backend) CloseStdin(ctx context.Context, groupFolder string) {
	lr := b.liveRun(groupFolder)
	if lr == nil {
		return
	}
	store, err := b.objects()
	if err != nil {
		return
	}
	if err := store.Put(ctx, b.runKey(lr.runID, domain.IPCInputDir, domain.IPCCloseSentinel), nil); err != nil {
		b.logger.Warn("write close sentinel failed", "group", groupFolder, "error", err)
	}
}

func (b *Backend) groupKey(area, groupFolder, rel string) (string, error) {
	if err := domain.ValidateFolder(groupFolder); err != nil {
		return "", err
	}
	clean, err := security.CleanRelPath(rel)
	if err != nil {
		return "", err
	}
	return b.key(area, groupFolder, clean), nil
}

// WriteIPCData stores a named IPC file for the group.
func (b *Backend) WriteIPCData(ctx context.Context, groupFolder, name string, data []byte) error {
	key, err := b.groupKey("ipc", groupFolder, name)
	if err != nil {
		return err
	}
	store, err := b.objects()
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data)
}

// ReadFile reads a file from the group's remote workspace.
func (b *Backend) ReadFile(ctx context.Context, groupFolder, relPath string) ([]byte, error) {
	key, err := b.groupKey("groups", groupFolder, relPath)
	if err != nil {
		return nil, err
	}
	store, err := b.objects()
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, key)
}

// WriteFile writes a file into the group's remote workspace.
func (b *Backend) WriteFile(ctx context.Context, groupFolder, relPath string, data []byte) error {
	key, err := b.groupKey("groups", groupFolder, relPath)
	if err != nil {
		return err
	}
	store, err := b.objects()
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data)
}
