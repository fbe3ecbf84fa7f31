package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Chain delivers callbacks strictly in enqueue order. Each link starts only
// after the previous link settled; a failing or panicking link is logged and
// never blocks later links.
type Chain struct {
	logger *slog.Logger

	mu   sync.Mutex
	tail chan struct{}

	pending  atomic.Int64
	failures atomic.Int64
}

// NewChain creates an empty Chain whose tail is already settled.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	tail := make(chan struct{})
	close(tail)
	return &Chain{logger: logger, tail: tail}
}

// Enqueue appends fn to the chain and returns the channel closed once fn
// and every earlier link have settled.
func (c *Chain) Enqueue(ctx context.Context, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})

	c.mu.Lock()
	prev := c.tail
	c.tail = done
	c.mu.Unlock()

	c.pending.Add(1)
	go func() {
		defer close(done)
		defer c.pending.Add(-1)
		<-prev
		c.run(ctx, fn)
	}()
	return done
}

// Tail returns the channel closed once everything enqueued so far has
// settled.
func (c *Chain) Tail() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tail
}

// Wait blocks until the current tail settles or ctx is done.
func (c *Chain) Wait(ctx context.Context) error {
	select {
	case <-c.Tail():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of links not yet settled.
func (c *Chain) Pending() int64 { return c.pending.Load() }

// Failures returns the number of links that returned an error or panicked.
func (c *Chain) Failures() int64 { return c.failures.Load() }

func (c *Chain) run(ctx context.Context, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			c.failures.Add(1)
			c.logger.Error("output delivery panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(ctx); err != nil {
		c.failures.Add(1)
		c.logger.Error("output delivery failed", "error", err)
	}
}
