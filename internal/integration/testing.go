package integration

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"omniclaw/internal/domain"
)

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// RequireShell skips the test when /bin/sh is not available.
func RequireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("Skipping integration test: /bin/sh not available")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// RecordingChannel is an in-memory domain.Channel that records replies and
// lets tests inject inbound messages.
type RecordingChannel struct {
	name string

	mu      sync.Mutex
	handler domain.MessageHandler
	sent    []domain.OutboundMessage
}

// NewRecordingChannel creates a channel registered under name.
func NewRecordingChannel(name string) *RecordingChannel {
	return &RecordingChannel{name: name}
}

func (c *RecordingChannel) Name() string { return c.name }

func (c *RecordingChannel) Start(_ context.Context, handler domain.MessageHandler) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	return nil
}

func (c *RecordingChannel) Stop(context.Context) error { return nil }

func (c *RecordingChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

// Deliver hands an inbound message to the orchestrator.
func (c *RecordingChannel) Deliver(ctx context.Context, chatJID, content string) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	return h(ctx, domain.ChatMessage{
		Channel:    c.name,
		ChatJID:    chatJID,
		SenderName: "tester",
		Content:    content,
		Timestamp:  time.Now(),
	})
}

// Sent returns a copy of every outbound message so far.
func (c *RecordingChannel) Sent() []domain.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OutboundMessage(nil), c.sent...)
}
