package runner

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniclaw/internal/domain"
)

func TestSettingsConfigForPrecedence(t *testing.T) {
	s := Settings{StartupTimeout: time.Minute, IdleTimeout: 10 * time.Minute, MaxStdoutBytes: 64}
	group := domain.RegisteredGroup{Folder: "main", IdleTimeout: 2 * time.Minute}

	cfg := s.ConfigFor("r1", "local", group, domain.AgentInput{})
	assert.Equal(t, "main", cfg.Group)
	assert.Equal(t, time.Minute, cfg.StartupTimeout)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 64, cfg.MaxStdoutBytes)

	cfg = s.ConfigFor("r2", "local", group, domain.AgentInput{IdleTimeout: time.Second})
	assert.Equal(t, time.Second, cfg.IdleTimeout)
}

func TestSettingsZeroDisablesTimer(t *testing.T) {
	cfg := Settings{}.ConfigFor("r1", "local", domain.RegisteredGroup{Folder: "main"}, domain.AgentInput{})
	assert.Equal(t, Disabled, cfg.StartupTimeout)
	assert.Equal(t, Disabled, cfg.IdleTimeout)

	// A disabled startup timer never fires even without any stderr.
	c := NewController(context.Background(), Config{StartupTimeout: Disabled, IdleTimeout: Disabled}, Hooks{}, newTestLogger())
	h := &stubHandle{}
	c.Attach(h, "x", nil)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.Snapshot().TimedOut)
	c.Cleanup()
}

func TestSettingsGrace(t *testing.T) {
	assert.Equal(t, DefaultKillGrace, Settings{}.Grace())
	assert.Equal(t, time.Second, Settings{KillGrace: time.Second}.Grace())
}

func TestPumpFeedsEverything(t *testing.T) {
	var got bytes.Buffer
	src := strings.Repeat("x", 3*pumpChunk+17)
	n, err := Pump(context.Background(), iotest.HalfReader(strings.NewReader(src)), func(b []byte) { got.Write(b) })
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.Equal(t, src, got.String())
}

func TestPumpStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Pump(ctx, strings.NewReader("data"), func([]byte) { t.Fatal("fed after cancel") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPumpReadError(t *testing.T) {
	_, err := Pump(context.Background(), iotest.ErrReader(assert.AnError), func([]byte) {})
	assert.ErrorIs(t, err, assert.AnError)
}
