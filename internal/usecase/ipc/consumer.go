package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"omniclaw/internal/domain"
)

// DefaultMaxAttempts bounds how often a file whose handler keeps failing is
// retried before it is quarantined.
const DefaultMaxAttempts = 5

// Handler processes one decoded IPC message. Returning an error leaves the
// file in place for the next drain, unless the error is permanent (not
// found, invalid input, permission denied) or the file has used up its
// attempts; then it is quarantined.
type Handler func(ctx context.Context, name string, msg domain.IPCMessage) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Dir          string
	MaxFileBytes int64
	MaxAttempts  int
	Handler      Handler
	// OnClose is called when the _close sentinel is consumed.
	OnClose func(ctx context.Context)
	// OnQuarantine is called after a file was moved aside.
	OnQuarantine func(ctx context.Context, name, reason string)
}

// Consumer drains an IPC directory in file name order.
type Consumer struct {
	cfg       ConsumerConfig
	validator *Validator
	logger    *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// NewConsumer creates a Consumer for one directory.
func NewConsumer(cfg ConsumerConfig, validator *Validator, logger *slog.Logger) *Consumer {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:       cfg,
		validator: validator,
		logger:    logger.With("ipc_dir", cfg.Dir),
		attempts:  make(map[string]int),
	}
}

// Dir returns the consumed directory.
func (c *Consumer) Dir() string { return c.cfg.Dir }

// Drain processes every pending file in order. Valid files are deleted after
// the handler succeeds; malformed or oversized files are quarantined. A
// transient handler error stops the drain so later files are not processed
// out of order.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	names, err := c.pending()
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		path := filepath.Join(c.cfg.Dir, name)

		if name == domain.IPCCloseSentinel {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return processed, fmt.Errorf("ipc: remove close sentinel: %w", err)
			}
			if c.cfg.OnClose != nil {
				c.cfg.OnClose(ctx)
			}
			processed++
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return processed, fmt.Errorf("ipc: stat: %w", err)
		}
		if info.Size() > c.cfg.MaxFileBytes {
			c.quarantine(ctx, name, fmt.Sprintf("file is %d bytes, limit %d", info.Size(), c.cfg.MaxFileBytes))
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return processed, fmt.Errorf("ipc: read: %w", err)
		}
		msg, err := c.validator.Decode(data)
		if err != nil {
			c.quarantine(ctx, name, err.Error())
			continue
		}

		if c.cfg.Handler != nil {
			if err := c.cfg.Handler(ctx, name, msg); err != nil {
				if reason, giveUp := c.failed(name, err); giveUp {
					c.quarantine(ctx, name, reason)
					continue
				}
				c.logger.Warn("ipc handler failed, will retry", "file", name, "error", err)
				return processed, domain.WrapOp("ipc.Drain", err)
			}
			c.forget(name)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return processed, fmt.Errorf("ipc: remove processed file: %w", err)
		}
		processed++
	}
	return processed, nil
}

// failed records a handler failure for name and reports whether the file
// should be given up on.
func (c *Consumer) failed(name string, err error) (string, bool) {
	if isPermanent(err) {
		c.forget(name)
		return "handler: " + err.Error(), true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[name]++
	if n := c.attempts[name]; n >= c.cfg.MaxAttempts {
		delete(c.attempts, name)
		return fmt.Sprintf("handler failed %d times: %v", n, err), true
	}
	return "", false
}

func (c *Consumer) forget(name string) {
	c.mu.Lock()
	delete(c.attempts, name)
	c.mu.Unlock()
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrPermissionDenied)
}

// pending lists consumable names: .json files in name order, then the close
// sentinel.
func (c *Consumer) pending() ([]string, error) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("ipc: read dir: %w", err)
	}

	var names []string
	sawClose := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case name == domain.IPCCloseSentinel:
			sawClose = true
		case strings.HasPrefix(name, "."):
		case strings.HasSuffix(name, jsonSuffix):
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if sawClose {
		names = append(names, domain.IPCCloseSentinel)
	}
	return names, nil
}

func (c *Consumer) quarantine(ctx context.Context, name, reason string) {
	errDir := filepath.Join(c.cfg.Dir, domain.IPCErrorsDir)
	src := filepath.Join(c.cfg.Dir, name)
	dst := filepath.Join(errDir, name+rejectedSuffix)

	if err := os.MkdirAll(errDir, 0o755); err != nil {
		c.logger.Error("ipc quarantine dir failed, deleting file", "file", name, "error", err)
		_ = os.Remove(src)
		return
	}
	if err := os.Rename(src, dst); err != nil {
		c.logger.Error("ipc quarantine failed, deleting file", "file", name, "error", err)
		_ = os.Remove(src)
		return
	}
	c.logger.Warn("ipc file quarantined", "file", name, "reason", reason)
	if c.cfg.OnQuarantine != nil {
		c.cfg.OnQuarantine(ctx, name, reason)
	}
}
