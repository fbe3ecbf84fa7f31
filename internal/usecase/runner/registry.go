package runner

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"omniclaw/internal/domain"
)

// NewRunID returns a lexicographically sortable run id.
func NewRunID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// RunIDFor returns the caller-assigned run id of input, or a new one.
func RunIDFor(input domain.AgentInput) string {
	if input.RunID != "" {
		return input.RunID
	}
	return NewRunID()
}

// LiveRun is a summary of a registered process handle.
type LiveRun struct {
	Group     string    `json:"group"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type liveEntry struct {
	info   LiveRun
	handle domain.ProcessHandle
}

// Registry tracks the live process handle of each group so runs can be
// killed out of band.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*liveEntry
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{runs: make(map[string]*liveEntry), logger: logger}
}

// Track returns a ProcessFunc that registers the handle under group, and a
// release func that removes it again.
func (r *Registry) Track(group, runID string) (domain.ProcessFunc, func()) {
	track := func(h domain.ProcessHandle, name string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.runs[group] = &liveEntry{
			info: LiveRun{
				Group:     group,
				RunID:     runID,
				Name:      name,
				PID:       h.PID(),
				StartedAt: time.Now(),
			},
			handle: h,
		}
	}
	release := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e, ok := r.runs[group]; ok && e.info.RunID == runID {
			delete(r.runs, group)
		}
	}
	return track, release
}

// Kill kills the live run of group.
func (r *Registry) Kill(group string) error {
	r.mu.Lock()
	e, ok := r.runs[group]
	r.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("runner", "Registry.Kill", domain.ErrNotFound, group)
	}
	r.logger.Info("killing agent", "group", group, "run_id", e.info.RunID, "pid", e.info.PID)
	return e.handle.Kill()
}

// KillAll kills every live run.
func (r *Registry) KillAll() {
	r.mu.Lock()
	handles := make([]domain.ProcessHandle, 0, len(r.runs))
	for _, e := range r.runs {
		handles = append(handles, e.handle)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if err := h.Kill(); err != nil {
			r.logger.Warn("kill failed", "pid", h.PID(), "error", err)
		}
	}
}

// List returns the live runs ordered by group.
func (r *Registry) List() []LiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LiveRun, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}
