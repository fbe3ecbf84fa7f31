package runner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"omniclaw/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubHandle is a ProcessHandle that counts kills.
type stubHandle struct {
	kills  atomic.Int32
	killed atomic.Bool
}

func (h *stubHandle) PID() int { return 4242 }

func (h *stubHandle) Kill() error {
	h.kills.Add(1)
	h.killed.Store(true)
	return nil
}

func (h *stubHandle) Killed() bool { return h.killed.Load() }

// recorder collects delivered records.
type recorder struct {
	mu   sync.Mutex
	recs []domain.OutputRecord
}

func (r *recorder) onOutput(_ context.Context, rec domain.OutputRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.recs))
	for i, rec := range r.recs {
		out[i] = rec.Text()
	}
	return out
}

const helloUnit = "---OMNICLAW_OUTPUT_START---\n{\"status\":\"success\",\"result\":\"hi\"}\n---OMNICLAW_OUTPUT_END---\n"
