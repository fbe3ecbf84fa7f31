// Package local runs agents as local subprocesses, either inside a container
// runtime (docker, podman) or as a direct command.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"omniclaw/internal/adapter/backend"
	"omniclaw/internal/domain"
	"omniclaw/internal/usecase/runner"
)

// Name is the registry name of this backend.
const Name = "local"

// RuntimeNone runs Command directly without a container.
const RuntimeNone = "none"

// Mount points inside the agent container.
const (
	containerGroupDir = "/workspace/group"
	containerIPCDir   = "/workspace/ipc"
)

const stopTimeout = 10 * time.Second

// stdinWriteTimeout bounds one injected message write. A run whose agent
// stops reading stdin falls back to IPC input files.
const stdinWriteTimeout = 5 * time.Second

var errStdinUnavailable = errors.New("agent stdin unavailable")

// Config configures the local backend.
type Config struct {
	Runtime         string
	Image           string
	Command         []string
	ExtraArgs       []string
	Env             map[string]string
	ContainerPrefix string
}

// Backend is the local-subprocess domain.Backend.
type Backend struct {
	*backend.Files

	cfg      Config
	settings runner.Settings
	logger   *slog.Logger
	lookPath func(string) (string, error)

	writeTimeout time.Duration

	mu   sync.Mutex
	live map[string]*liveRun
}

var _ domain.Backend = (*Backend)(nil)

// liveRun is the stdin side of one running agent. mu guards the fields and
// is never held across a pipe write; writeSem serializes writes so message
// lines never interleave.
type liveRun struct {
	runID  string
	handle domain.ProcessHandle

	writeSem chan struct{}

	mu     sync.Mutex
	stdin  io.WriteCloser
	closed bool
	broken bool
	done   bool
}

func newLiveRun(runID string) *liveRun {
	return &liveRun{runID: runID, writeSem: make(chan struct{}, 1)}
}

// write sends one line to stdin. With timeout > 0 it gives up after timeout,
// both waiting for an earlier write and on the pipe itself.
func (lr *liveRun) write(line []byte, timeout time.Duration) error {
	lr.mu.Lock()
	stdin := lr.stdin
	usable := stdin != nil && !lr.closed && !lr.broken && !lr.done
	lr.mu.Unlock()
	if !usable {
		return errStdinUnavailable
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case lr.writeSem <- struct{}{}:
		case <-timer.C:
			return os.ErrDeadlineExceeded
		}
		if d, ok := stdin.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = d.SetWriteDeadline(time.Now().Add(timeout))
		}
	} else {
		lr.writeSem <- struct{}{}
	}
	defer func() { <-lr.writeSem }()

	_, err := stdin.Write(line)
	if err != nil && timeout > 0 {
		// A partial line may be on the pipe; stop using it for this run.
		lr.mu.Lock()
		lr.broken = true
		lr.mu.Unlock()
	}
	return err
}

// New creates a local backend.
func New(cfg Config, settings runner.Settings, files *backend.Files, logger *slog.Logger) *Backend {
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = "omniclaw"
	}
	return &Backend{
		Files:    files,
		cfg:      cfg,
		settings: settings,
		logger:   logger.With("backend", Name),
		lookPath: exec.LookPath,
		live:     make(map[string]*liveRun),

		writeTimeout: stdinWriteTimeout,
	}
}

// Name implements domain.Backend.
func (b *Backend) Name() string { return Name }

// Initialize checks that the runtime (or direct command) is installed and
// removes containers left over from a previous host process.
func (b *Backend) Initialize(ctx context.Context) error {
	bin := b.cfg.Runtime
	if bin == RuntimeNone {
		if len(b.cfg.Command) == 0 {
			return domain.NewSubSystemError("local", "Initialize", domain.ErrBackendUnavailable, "no command configured")
		}
		bin = b.cfg.Command[0]
	}
	if _, err := b.lookPath(bin); err != nil {
		return domain.NewSubSystemError("local", "Initialize", domain.ErrBackendUnavailable, fmt.Sprintf("%s not found: %v", bin, err))
	}
	if b.cfg.Runtime != RuntimeNone {
		b.cleanupOrphans(ctx)
	}
	return nil
}

func (b *Backend) cleanupOrphans(ctx context.Context) {
	out, err := exec.CommandContext(ctx, b.cfg.Runtime, "ps", "-a",
		"--filter", "name="+b.cfg.ContainerPrefix+"-", "--format", "{{.Names}}").Output()
	if err != nil {
		b.logger.Warn("list orphan containers failed", "error", err)
		return
	}
	names := strings.Fields(string(out))
	if len(names) == 0 {
		return
	}
	args := append([]string{"rm", "-f"}, names...)
	if err := exec.CommandContext(ctx, b.cfg.Runtime, args...).Run(); err != nil {
		b.logger.Warn("remove orphan containers failed", "error", err, "containers", names)
		return
	}
	b.logger.Info("removed orphan containers", "count", len(names))
}

// Shutdown kills every live run.
func (b *Backend) Shutdown(_ context.Context) error {
	b.mu.Lock()
	runs := make([]*liveRun, 0, len(b.live))
	for _, lr := range b.live {
		runs = append(runs, lr)
	}
	b.mu.Unlock()

	for _, lr := range runs {
		if lr.handle != nil {
			if err := lr.handle.Kill(); err != nil {
				b.logger.Warn("kill on shutdown failed", "run_id", lr.runID, "error", err)
			}
		}
	}
	return nil
}

// RunAgent implements domain.Backend.
func (b *Backend) RunAgent(ctx context.Context, group domain.RegisteredGroup, input domain.AgentInput, onProcess domain.ProcessFunc, onOutput domain.OutputFunc) (domain.AgentResult, error) {
	if err := backend.PrepareInput(group, &input); err != nil {
		return domain.AgentResult{}, err
	}

	groupDir, err := b.PrepareGroup(group.Folder)
	if err != nil {
		return domain.AgentResult{}, err
	}
	if err := b.ClearInput(group.Folder); err != nil {
		b.logger.Warn("clear stale ipc input failed", "group", group.Folder, "error", err)
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return domain.AgentResult{}, fmt.Errorf("marshal agent input: %w", err)
	}

	runID := runner.RunIDFor(input)
	lr := newLiveRun(runID)
	b.mu.Lock()
	if _, busy := b.live[group.Folder]; busy {
		b.mu.Unlock()
		return domain.AgentResult{}, domain.NewSubSystemError("local", "RunAgent", domain.ErrGroupBusy, group.Folder)
	}
	b.live[group.Folder] = lr
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.live, group.Folder)
		b.mu.Unlock()
	}()

	cmd, name := b.command(group.Folder, runID, groupDir)
	ctrl := runner.NewController(ctx, b.settings.ConfigFor(runID, Name, group, input),
		runner.Hooks{OnOutput: onOutput}, b.logger)

	opts := runner.ExecOptions{
		Name:      name,
		KillGrace: b.settings.Grace(),
		OnProcess: func(h domain.ProcessHandle, n string) {
			lr.mu.Lock()
			lr.handle = h
			lr.mu.Unlock()
			if onProcess != nil {
				onProcess(h, n)
			}
		},
		OnStdin: func(stdin io.WriteCloser) {
			lr.mu.Lock()
			lr.stdin = stdin
			lr.mu.Unlock()
			// The initial input is bounded by the run itself: killing the
			// process or CloseStdin unblocks it.
			if err := lr.write(append(payload, '\n'), 0); err != nil {
				b.logger.Warn("write agent input failed", "run_id", runID, "error", err)
				lr.mu.Lock()
				lr.closeLocked()
				lr.mu.Unlock()
			}
		},
	}
	if b.cfg.Runtime != RuntimeNone {
		opts.Teardown = func() { b.stopContainer(name) }
	}

	res := runner.RunCommand(ctx, cmd, ctrl, opts)
	lr.mu.Lock()
	lr.done = true
	lr.closeLocked()
	lr.mu.Unlock()
	return res, nil
}

// command builds the agent command line for one run.
func (b *Backend) command(folder, runID, groupDir string) (*exec.Cmd, string) {
	if b.cfg.Runtime == RuntimeNone {
		cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
		cmd.Dir = groupDir
		cmd.Env = append(os.Environ(),
			"OMNICLAW_GROUP="+folder,
			"OMNICLAW_GROUP_DIR="+groupDir,
			"OMNICLAW_IPC_DIR="+b.IPC.GroupDir(folder),
		)
		cmd.Env = append(cmd.Env, b.envList()...)
		return cmd, b.cfg.Command[0]
	}

	name := fmt.Sprintf("%s-%s-%s", b.cfg.ContainerPrefix, strings.ReplaceAll(folder, "_", "-"), strings.ToLower(runID))
	args := []string{
		"run", "-i", "--rm",
		"--name", name,
		"-v", groupDir + ":" + containerGroupDir,
		"-v", b.IPC.GroupDir(folder) + ":" + containerIPCDir,
		"-e", "OMNICLAW_GROUP=" + folder,
	}
	for _, kv := range b.envList() {
		args = append(args, "-e", kv)
	}
	args = append(args, b.cfg.ExtraArgs...)
	args = append(args, b.cfg.Image)
	args = append(args, b.cfg.Command...)
	return exec.Command(b.cfg.Runtime, args...), name
}

func (b *Backend) envList() []string {
	keys := make([]string, 0, len(b.cfg.Env))
	for k := range b.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+b.cfg.Env[k])
	}
	return out
}

func (b *Backend) stopContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.cfg.Runtime, "stop", "-t", "1", name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		b.logger.Warn("stop container failed", "container", name, "error", err, "stderr", strings.TrimSpace(stderr.String()))
	}
}

// SendMessage writes text to the live run's stdin as an NDJSON message line,
// or drops an IPC input file when stdin is gone.
func (b *Backend) SendMessage(_ context.Context, groupFolder, text string) bool {
	b.mu.Lock()
	lr := b.live[groupFolder]
	b.mu.Unlock()
	if lr == nil {
		return false
	}

	lr.mu.Lock()
	done := lr.done
	lr.mu.Unlock()
	if done {
		return false
	}
	line, err := json.Marshal(domain.IPCMessage{Type: domain.IPCTypeMessage, Text: text})
	if err == nil {
		if err = lr.write(append(line, '\n'), b.writeTimeout); err == nil {
			return true
		}
	}
	if !errors.Is(err, errStdinUnavailable) {
		b.logger.Warn("stdin injection failed, falling back to ipc file", "group", groupFolder, "error", err)
	}
	if err := b.QueueInput(groupFolder, text); err != nil {
		b.logger.Error("queue ipc input failed", "group", groupFolder, "error", err)
		return false
	}
	return true
}

// CloseStdin closes the live run's stdin and drops the _close sentinel.
func (b *Backend) CloseStdin(_ context.Context, groupFolder string) {
	b.mu.Lock()
	lr := b.live[groupFolder]
	b.mu.Unlock()
	if lr == nil {
		return
	}
	lr.mu.Lock()
	lr.closeLocked()
	lr.mu.Unlock()
	if err := b.QueueClose(groupFolder); err != nil {
		b.logger.Warn("write close sentinel failed", "group", groupFolder, "error", err)
	}
}

// closeLocked closes stdin without waiting for an in-flight write; closing
// the pipe fails that write.
func (lr *liveRun) closeLocked() {
	if lr.closed {
		return
	}
	lr.closed = true
	if lr.stdin != nil {
		_ = lr.stdin.Close()
	}
}
