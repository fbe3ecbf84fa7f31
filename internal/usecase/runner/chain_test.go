package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainPreservesOrderUnderLatency(t *testing.T) {
	c := NewChain(newTestLogger())
	var (
		mu    sync.Mutex
		order []int
	)
	record := func(i int, delay time.Duration) func(context.Context) error {
		return func(context.Context) error {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}

	c.Enqueue(context.Background(), record(1, 60*time.Millisecond))
	c.Enqueue(context.Background(), record(2, 0))
	c.Enqueue(context.Background(), record(3, 10*time.Millisecond))

	require.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, int64(0), c.Pending())
}

func TestChainFailuresDoNotBreakChain(t *testing.T) {
	c := NewChain(newTestLogger())
	var ran []string
	var mu sync.Mutex
	mark := func(s string) {
		mu.Lock()
		ran = append(ran, s)
		mu.Unlock()
	}

	c.Enqueue(context.Background(), func(context.Context) error {
		mark("err")
		return errors.New("send failed")
	})
	c.Enqueue(context.Background(), func(context.Context) error {
		mark("panic")
		panic("boom")
	})
	done := c.Enqueue(context.Background(), func(context.Context) error {
		mark("ok")
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chain stalled after failing link")
	}
	assert.Equal(t, []string{"err", "panic", "ok"}, ran)
	assert.Equal(t, int64(2), c.Failures())
}

func TestChainTailTracksLatest(t *testing.T) {
	c := NewChain(newTestLogger())

	select {
	case <-c.Tail():
	default:
		t.Fatal("empty chain tail should be settled")
	}

	release := make(chan struct{})
	c.Enqueue(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	tail := c.Tail()
	select {
	case <-tail:
		t.Fatal("tail settled before link finished")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(release)
	select {
	case <-tail:
	case <-time.After(time.Second):
		t.Fatal("tail never settled")
	}
}
