package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"omniclaw/internal/domain"
	"omniclaw/internal/usecase/eventbus"
	"omniclaw/internal/usecase/ipc"
	"omniclaw/internal/usecase/runner"
	"omniclaw/internal/usecase/scheduling"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore implements the group, session and run log stores in memory.
type memStore struct {
	mu       sync.Mutex
	groups   map[string]domain.RegisteredGroup
	sessions map[string]string
	runs     []domain.AgentRunRecord
}

func newMemStore(groups ...domain.RegisteredGroup) *memStore {
	s := &memStore{groups: make(map[string]domain.RegisteredGroup), sessions: make(map[string]string)}
	for _, g := range groups {
		s.groups[g.Folder] = g
	}
	return s
}

func (s *memStore) UpsertGroup(_ context.Context, g domain.RegisteredGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.Folder] = g
	return nil
}

func (s *memStore) GetGroup(_ context.Context, folder string) (domain.RegisteredGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[folder]
	if !ok {
		return g, domain.NewDomainError("GetGroup", domain.ErrNotFound, folder)
	}
	return g, nil
}

func (s *memStore) FindGroupByChat(_ context.Context, channel, chatJID string) (domain.RegisteredGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.Channel == channel && g.JID == chatJID {
			return g, nil
		}
	}
	return domain.RegisteredGroup{}, domain.NewDomainError("FindGroupByChat", domain.ErrNotFound, chatJID)
}

func (s *memStore) ListGroups(context.Context) ([]domain.RegisteredGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RegisteredGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *memStore) DeleteGroup(_ context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, folder)
	return nil
}

func (s *memStore) GetSession(_ context.Context, folder string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[folder], nil
}

func (s *memStore) SetSession(_ context.Context, folder, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[folder] = id
	return nil
}

func (s *memStore) RecordRun(_ context.Context, rec domain.AgentRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	return nil
}

func (s *memStore) RecentRuns(_ context.Context, folder string, limit int) ([]domain.AgentRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AgentRunRecord
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.runs[i].Group == folder {
			out = append(out, s.runs[i])
		}
	}
	return out, nil
}

func (s *memStore) session(folder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[folder]
}

func (s *memStore) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// runFunc is the body of a fake run.
type runFunc func(ctx context.Context, input domain.AgentInput, onProcess domain.ProcessFunc, onOutput domain.OutputFunc) domain.AgentResult

// fakeBackend records inputs and delegates runs to fn.
type fakeBackend struct {
	mu     sync.Mutex
	fn     runFunc
	inputs []domain.AgentInput
	piped  []string
	closed int
	// accept decides whether SendMessage succeeds.
	accept bool
	live   bool
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Initialize(context.Context) error { return nil }

func (b *fakeBackend) Shutdown(context.Context) error { return nil }

func (b *fakeBackend) CloseStdin(context.Context, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
}

func (b *fakeBackend) WriteIPCData(context.Context, string, string, []byte) error { return nil }

func (b *fakeBackend) ReadFile(context.Context, string, string) ([]byte, error) { return nil, nil }

func (b *fakeBackend) WriteFile(context.Context, string, string, []byte) error { return nil }

func (b *fakeBackend) RunAgent(ctx context.Context, _ domain.RegisteredGroup, input domain.AgentInput, onProcess domain.ProcessFunc, onOutput domain.OutputFunc) (domain.AgentResult, error) {
	b.mu.Lock()
	b.inputs = append(b.inputs, input)
	b.live = true
	fn := b.fn
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.live = false
		b.mu.Unlock()
	}()
	res := fn(ctx, input, onProcess, onOutput)
	if res.RunID == "" {
		res.RunID = input.RunID
	}
	return res, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, _ string, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live || !b.accept {
		return false
	}
	b.piped = append(b.piped, text)
	return true
}

func (b *fakeBackend) runs() []domain.AgentInput {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.AgentInput(nil), b.inputs...)
}

func (b *fakeBackend) pipedTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.piped...)
}

type resolver struct{ b domain.Backend }

func (r resolver) For(domain.RegisteredGroup) (domain.Backend, error) { return r.b, nil }

// fakeChannel records sent messages.
type fakeChannel struct {
	name    string
	mu      sync.Mutex
	sent    []domain.OutboundMessage
	handler domain.MessageHandler
	stopped bool
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Start(_ context.Context, h domain.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return nil
}

func (c *fakeChannel) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *fakeChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) messages() []domain.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OutboundMessage(nil), c.sent...)
}

// reply returns a run body that emits one record and succeeds.
func reply(text, session string) runFunc {
	return func(ctx context.Context, input domain.AgentInput, onProcess domain.ProcessFunc, onOutput domain.OutputFunc) domain.AgentResult {
		onProcess(runner.NewVirtualHandle(nil), input.RunID)
		_ = onOutput(ctx, domain.OutputRecord{Status: domain.StatusSuccess, Result: domain.StringPtr(text), NewSessionID: session})
		return domain.AgentResult{Status: domain.StatusSuccess, Result: domain.StringPtr(text), NewSessionID: session, Outputs: 1}
	}
}

type harness struct {
	orch    *Orchestrator
	store   *memStore
	backend *fakeBackend
	channel *fakeChannel
	bus     *eventbus.Bus
	sched   *scheduling.Scheduler
	layout  ipc.Layout

	evMu   sync.Mutex
	events []domain.Event
}

var (
	mainGroup = domain.RegisteredGroup{Folder: "main", JID: "chat-main", Channel: "test", IsMain: true}
	teamGroup = domain.RegisteredGroup{Folder: "team", JID: "chat-team", Channel: "test", RequiresTrigger: true}
)

func newHarness(t *testing.T, fn runFunc, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(mainGroup, teamGroup),
		backend: &fakeBackend{fn: fn},
		channel: &fakeChannel{name: "test"},
		bus:     eventbus.New(newTestLogger()),
		sched:   scheduling.NewScheduler(newTestLogger()),
		layout:  ipc.Layout{Root: t.TempDir()},
	}
	h.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		h.evMu.Lock()
		h.events = append(h.events, ev)
		h.evMu.Unlock()
	})
	cfg := Config{
		AssistantName:   "Andy",
		SendRate:        1000,
		SendBurst:       100,
		FailureNotice:   "something went wrong",
		IPC:             h.layout,
		IPCPollInterval: 20 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	orch, err := New(cfg, Deps{
		Groups:    h.store,
		Sessions:  h.store,
		Runs:      h.store,
		Backends:  resolver{h.backend},
		Channels:  []domain.Channel{h.channel},
		Bus:       h.bus,
		Live:      runner.NewRegistry(newTestLogger()),
		Scheduler: h.sched,
	}, newTestLogger())
	require.NoError(t, err)
	h.orch = orch
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
		h.bus.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, jid, content string) {
	t.Helper()
	require.NoError(t, h.orch.HandleMessage(context.Background(), domain.ChatMessage{
		Channel:    "test",
		ChatJID:    jid,
		SenderName: "Alice",
		Content:    content,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}))
}

func (h *harness) eventTypes() []domain.EventType {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	out := make([]domain.EventType, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

func (h *harness) hasEvent(t domain.EventType) bool {
	for _, et := range h.eventTypes() {
		if et == t {
			return true
		}
	}
	return false
}

func (b *fakeBackend) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
