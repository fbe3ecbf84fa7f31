package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"omniclaw/internal/domain"
	"omniclaw/internal/infra/tracer"
)

// Registry holds named backends and their availability.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]domain.Backend
	unavailable map[string]error
	def         string
	logger      *slog.Logger
}

// NewRegistry creates an empty registry. defaultName is used for groups
// that do not name a backend.
func NewRegistry(defaultName string, logger *slog.Logger) *Registry {
	return &Registry{
		backends:    make(map[string]domain.Backend),
		unavailable: make(map[string]error),
		def:         defaultName,
		logger:      logger,
	}
}

// Register adds a backend. Every RunAgent through the registry is traced.
// Returns error if the name is already registered.
func (r *Registry) Register(b domain.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = traced{b}
	return nil
}

// Get retrieves an available backend by name.
func (r *Registry) Get(name string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, domain.NewSubSystemError("backend", "Registry.Get", domain.ErrNotFound, name)
	}
	if err := r.unavailable[name]; err != nil {
		return nil, domain.NewSubSystemError("backend", "Registry.Get", domain.ErrBackendUnavailable, fmt.Sprintf("%s: %v", name, err))
	}
	return b, nil
}

// For returns the backend serving group.
func (r *Registry) For(group domain.RegisteredGroup) (domain.Backend, error) {
	name := group.Backend
	if name == "" {
		name = r.def
	}
	return r.Get(name)
}

// Names returns all registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status maps every backend name to its Initialize error, nil when usable.
func (r *Registry) Status() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]error, len(r.backends))
	for name := range r.backends {
		out[name] = r.unavailable[name]
	}
	return out
}

// Initialize initializes every backend concurrently. A backend that fails is
// marked unavailable and logged; Initialize only fails when the default
// backend is unusable.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.RLock()
	backends := make(map[string]domain.Backend, len(r.backends))
	for name, b := range r.backends {
		backends[name] = b
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	failed := make(map[string]error)
	g, gctx := errgroup.WithContext(ctx)
	for name, b := range backends {
		g.Go(func() error {
			if err := b.Initialize(gctx); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
				if errors.Is(err, domain.ErrBackendUnavailable) {
					r.logger.Warn("backend unavailable", "backend", name, "error", err)
				} else {
					r.logger.Error("backend initialize failed", "backend", name, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, err := range failed {
		r.unavailable[name] = err
	}
	if _, ok := r.backends[r.def]; !ok {
		return domain.NewSubSystemError("backend", "Registry.Initialize", domain.ErrNotFound, "default backend "+r.def)
	}
	if err := r.unavailable[r.def]; err != nil {
		return domain.NewSubSystemError("backend", "Registry.Initialize", domain.ErrBackendUnavailable,
			fmt.Sprintf("default backend %s: %v", r.def, err))
	}
	return nil
}

// Shutdown shuts every available backend down concurrently and returns the
// first error.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	var live []domain.Backend
	for name, b := range r.backends {
		if r.unavailable[name] == nil {
			live = append(live, b)
		}
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, b := range live {
		g.Go(func() error {
			if err := b.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s: %w", b.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// traced wraps RunAgent in an agent.run span.
type traced struct {
	domain.Backend
}

func (t traced) RunAgent(ctx context.Context, group domain.RegisteredGroup, input domain.AgentInput, onProcess domain.ProcessFunc, onOutput domain.OutputFunc) (domain.AgentResult, error) {
	ctx, span := tracer.StartRunSpan(ctx, group.Folder, t.Name())
	res, err := t.Backend.RunAgent(ctx, group, input, onProcess, onOutput)
	tracer.EndRunSpan(span, res, err)
	return res, err
}
