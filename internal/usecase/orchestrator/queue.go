package orchestrator

import (
	"context"
	"sync"
	"time"

	"omniclaw/internal/domain"
)

// job is one unit of work for a group: either a batch of chat messages or a
// scheduled prompt.
type job struct {
	messages  []domain.ChatMessage
	prompt    string
	scheduled bool
}

func (j job) text() string {
	if j.scheduled {
		return j.prompt
	}
	return FormatMessages(j.messages)
}

type groupState struct {
	active     bool
	pending    []domain.ChatMessage
	recent     []domain.ChatMessage // untriggered messages kept as context
	tasks      []string
	closeTimer *time.Timer
}

// groupQueue serializes work per group folder. At most one drain goroutine
// runs per folder; messages arriving while it runs are batched into the
// next job.
type groupQueue struct {
	mu         sync.Mutex
	groups     map[string]*groupState
	maxContext int
	run        func(ctx context.Context, folder string, j job)
	wg         sync.WaitGroup
}

func newGroupQueue(maxContext int, run func(ctx context.Context, folder string, j job)) *groupQueue {
	return &groupQueue{
		groups:     make(map[string]*groupState),
		maxContext: maxContext,
		run:        run,
	}
}

func (q *groupQueue) stateLocked(folder string) *groupState {
	st, ok := q.groups[folder]
	if !ok {
		st = &groupState{}
		q.groups[folder] = st
	}
	return st
}

// remember keeps msg as context for the group's next run.
func (q *groupQueue) remember(folder string, msg domain.ChatMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stateLocked(folder)
	st.recent = append(st.recent, msg)
	if over := len(st.recent) - q.maxContext; over > 0 {
		st.recent = append(st.recent[:0:0], st.recent[over:]...)
	}
}

// pipeable reports whether the group has a run in flight and nothing
// waiting, so a new message may go straight into the live run.
func (q *groupQueue) pipeable(folder string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.groups[folder]
	return ok && st.active && len(st.pending) == 0
}

// push queues a message and starts a drain when the group is idle.
func (q *groupQueue) push(ctx context.Context, folder string, msg domain.ChatMessage) {
	q.mu.Lock()
	st := q.stateLocked(folder)
	st.pending = append(st.pending, msg)
	start := q.activateLocked(st)
	q.mu.Unlock()
	if start {
		q.drain(ctx, folder)
	}
}

// pushTask queues a scheduled prompt and starts a drain when the group is idle.
func (q *groupQueue) pushTask(ctx context.Context, folder, prompt string) {
	q.mu.Lock()
	st := q.stateLocked(folder)
	st.tasks = append(st.tasks, prompt)
	start := q.activateLocked(st)
	q.mu.Unlock()
	if start {
		q.drain(ctx, folder)
	}
}

func (q *groupQueue) activateLocked(st *groupState) bool {
	if st.active {
		return false
	}
	st.active = true
	return true
}

// next pops the group's next job. Chat messages go before scheduled
// prompts. When nothing is left the group goes idle.
func (q *groupQueue) next(folder string) (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stateLocked(folder)
	switch {
	case len(st.pending) > 0:
		msgs := append(st.recent, st.pending...)
		st.recent, st.pending = nil, nil
		return job{messages: msgs}, true
	case len(st.tasks) > 0:
		prompt := st.tasks[0]
		st.tasks = st.tasks[1:]
		return job{prompt: prompt, scheduled: true}, true
	}
	st.active = false
	return job{}, false
}

func (q *groupQueue) drain(ctx context.Context, folder string) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			j, ok := q.next(folder)
			if !ok {
				return
			}
			q.run(ctx, folder, j)
		}
	}()
}

// armClose (re)starts the group's close timer. A zero d disarms it.
func (q *groupQueue) armClose(folder string, d time.Duration, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stateLocked(folder)
	if st.closeTimer != nil {
		st.closeTimer.Stop()
		st.closeTimer = nil
	}
	if d > 0 {
		st.closeTimer = time.AfterFunc(d, fn)
	}
}

func (q *groupQueue) disarmClose(folder string) { q.armClose(folder, 0, nil) }

// wait blocks until every drain goroutine has returned or ctx is done.
func (q *groupQueue) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
