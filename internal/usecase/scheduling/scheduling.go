// Package scheduling fires group prompts on cron expressions or fixed
// intervals.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledTask is a prompt dispatched to a group on a schedule.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Group    string
	Prompt   string
	OneShot  bool
}

// Dispatcher starts a run for group with prompt.
type Dispatcher func(ctx context.Context, group, prompt string) error

// Scheduler runs tasks on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron     *cron.Cron
	dispatch Dispatcher
	entries  map[string]cron.EntryID // task id → entry
	timeout  time.Duration
	logger   *slog.Logger
	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler creates a scheduler. Tasks added with AddTask need a
// dispatcher set through SetDispatcher before they fire.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		timeout: 5 * time.Minute,
		logger:  logger,
	}
}

// SetDispatcher sets the function prompt tasks are handed to.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = d
}

// AddTask adds a prompt task keyed by its name. The schedule can be a cron
// expression or a duration string.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	if task.Name == "" {
		return fmt.Errorf("scheduler: task name is required")
	}
	if task.Group == "" || task.Prompt == "" {
		return fmt.Errorf("scheduler: task %q needs a group and a prompt", task.Name)
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	group, prompt := task.Group, task.Prompt
	fn := func(ctx context.Context) error {
		s.mu.Lock()
		dispatch := s.dispatch
		s.mu.Unlock()
		if dispatch == nil {
			return fmt.Errorf("no dispatcher")
		}
		return dispatch(ctx, group, prompt)
	}
	if err := s.AddDynamicTask(task.Name, schedule, fn, task.OneShot); err != nil {
		return err
	}
	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "group", task.Group)
	return nil
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu, so wait without holding it.
	<-s.cron.Stop().Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// AddDynamicTask adds a runtime task identified by id.
// The caller provides a pre-parsed cron.Schedule and the function to run.
func (s *Scheduler) AddDynamicTask(id string, schedule cron.Schedule, fn func(ctx context.Context) error, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("scheduler: task %q already exists", id)
	}

	logger := s.logger
	var entryID cron.EntryID
	var once sync.Once
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler stopped, skipping task", "id", id)
			return
		}

		if oneShot {
			fired := false
			once.Do(func() { fired = true })
			if !fired {
				return
			}
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
		}

		taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(taskCtx); err != nil {
			logger.Warn("scheduled task failed", "id", id, "error", err, "duration", time.Since(start))
		} else {
			logger.Info("scheduled task completed", "id", id, "duration", time.Since(start))
		}
	}))

	s.entries[id] = entryID
	logger.Debug("task scheduled", "id", id, "one_shot", oneShot)
	return nil
}

// RemoveDynamicTask removes a task by id.
func (s *Scheduler) RemoveDynamicTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	s.logger.Info("task removed", "id", id)
	return nil
}

// GetNextRun returns the next scheduled run time for a task, or nil if not found.
func (s *Scheduler) GetNextRun(id string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// TaskIDs returns the ids of all scheduled tasks, sorted.
func (s *Scheduler) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParseSchedule exposes schedule parsing for external callers.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// IsInterval reports whether sched was parsed from a duration string.
func IsInterval(sched cron.Schedule) bool {
	_, ok := sched.(*constantDelay)
	return ok
}

// NewConstantDelay returns a cron.Schedule that fires at a fixed interval.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
