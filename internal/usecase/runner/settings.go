package runner

import (
	"context"
	"errors"
	"io"
	"time"

	"omniclaw/internal/domain"
)

// Settings are the process-wide run defaults shared by every backend.
// A zero timeout here means the timer is off for runs without overrides.
type Settings struct {
	StartupTimeout              time.Duration
	IdleTimeout                 time.Duration
	KillGrace                   time.Duration
	MaxStdoutBytes              int
	MaxStderrBytes              int
	SuccessOnOutputAfterTimeout bool
}

// ConfigFor builds the controller config of one run. Per-input overrides win
// over per-group overrides, which win over the settings.
func (s Settings) ConfigFor(runID, backend string, group domain.RegisteredGroup, input domain.AgentInput) Config {
	return Config{
		RunID:                       runID,
		Backend:                     backend,
		Group:                       group.Folder,
		StartupTimeout:              pickTimeout(input.StartupTimeout, group.StartupTimeout, s.StartupTimeout),
		IdleTimeout:                 pickTimeout(input.IdleTimeout, group.IdleTimeout, s.IdleTimeout),
		MaxStdoutBytes:              s.MaxStdoutBytes,
		MaxStderrBytes:              s.MaxStderrBytes,
		SuccessOnOutputAfterTimeout: s.SuccessOnOutputAfterTimeout,
	}
}

// Grace returns the kill grace period.
func (s Settings) Grace() time.Duration {
	if s.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return s.KillGrace
}

func pickTimeout(input, group, base time.Duration) time.Duration {
	switch {
	case input > 0:
		return input
	case group > 0:
		return group
	case base > 0:
		return base
	default:
		return Disabled
	}
}

const pumpChunk = 32 << 10

// Pump copies r into feed until EOF or ctx is done. Backends that receive
// output as a byte stream (an object body, an HTTP response) use it to
// drive a controller feed.
func Pump(ctx context.Context, r io.Reader, feed func([]byte)) (int64, error) {
	buf := make([]byte, pumpChunk)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			feed(chunk)
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
