// Package orchestrator routes chat messages to registered groups, runs their
// agents one at a time per group, and delivers replies in order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"omniclaw/internal/domain"
	"omniclaw/internal/usecase/ipc"
	"omniclaw/internal/usecase/runner"
	"omniclaw/internal/usecase/scheduling"
)

// BackendResolver returns the backend that serves a group.
type BackendResolver interface {
	For(group domain.RegisteredGroup) (domain.Backend, error)
}

// Config holds message loop settings.
type Config struct {
	AssistantName string
	SendRate      float64 // replies per second per channel
	SendBurst     int
	FailureNotice string
	// CloseAfter closes a live run's input once it has been quiet this long
	// after its last reply. Zero leaves runs open until their idle timeout.
	CloseAfter      time.Duration
	ContextMessages int // untriggered messages kept per group

	IPC             ipc.Layout
	IPCPollInterval time.Duration
	IPCMaxFileBytes int64
}

// Deps are the collaborators of an Orchestrator. Bus and Scheduler are optional.
type Deps struct {
	Groups    domain.GroupStore
	Sessions  domain.SessionStore
	Runs      domain.RunLog
	Backends  BackendResolver
	Channels  []domain.Channel
	Bus       domain.EventBus
	Live      *runner.Registry
	Scheduler *scheduling.Scheduler
}

// Orchestrator is the message loop.
type Orchestrator struct {
	cfg       Config
	deps      Deps
	outbox    *outbox
	queue     *groupQueue
	validator *ipc.Validator
	logger    *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	watching map[string]bool
	wg       sync.WaitGroup // IPC watchers
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Groups == nil || deps.Sessions == nil || deps.Runs == nil || deps.Backends == nil {
		return nil, domain.NewSubSystemError("orchestrator", "New", domain.ErrInvalidInput, "group store, session store, run log and backends are required")
	}
	if deps.Live == nil {
		deps.Live = runner.NewRegistry(logger)
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = 50
	}
	validator, err := ipc.NewValidator()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		outbox:    newOutbox(deps.Channels, cfg.SendRate, cfg.SendBurst),
		validator: validator,
		logger:    logger,
		watching:  make(map[string]bool),
	}
	o.queue = newGroupQueue(cfg.ContextMessages, o.runJob)
	if deps.Scheduler != nil {
		deps.Scheduler.SetDispatcher(o.RunScheduled)
	}
	return o, nil
}

// Start starts the channels and an IPC watcher for every registered group.
// It returns once everything is listening.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.ctx != nil {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	groups, err := o.deps.Groups.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if err := o.watch(g); err != nil {
			return err
		}
	}

	for _, ch := range o.outbox.list() {
		if err := ch.Start(o.ctx, o.HandleMessage); err != nil {
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		o.logger.Info("channel started", "channel", ch.Name())
	}
	o.logger.Info("orchestrator started", "groups", len(groups), "channels", len(o.deps.Channels))
	return nil
}

// RegisterGroup stores a group and starts watching its IPC directory when
// the orchestrator is running.
func (o *Orchestrator) RegisterGroup(ctx context.Context, g domain.RegisteredGroup) error {
	if err := domain.ValidateFolder(g.Folder); err != nil {
		return err
	}
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now().UTC()
	}
	if err := o.deps.Groups.UpsertGroup(ctx, g); err != nil {
		return domain.WrapOp("RegisterGroup", err)
	}
	o.mu.Lock()
	running := o.ctx != nil
	o.mu.Unlock()
	if running {
		return o.watch(g)
	}
	return nil
}

// HandleMessage is the channel callback for inbound chat messages.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg domain.ChatMessage) error {
	group, err := o.deps.Groups.FindGroupByChat(ctx, msg.Channel, msg.ChatJID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.logger.Debug("message from unregistered chat ignored", "channel", msg.Channel, "chat_jid", msg.ChatJID)
			return nil
		}
		return domain.WrapOp("HandleMessage", err)
	}
	o.emit(ctx, domain.EventMessageReceived, group.Folder, "", domain.MessageEventPayload{
		Channel: msg.Channel,
		ChatJID: msg.ChatJID,
		Length:  len(msg.Content),
	})

	if group.RequiresTrigger && !HasTrigger(msg.Content, o.cfg.AssistantName) {
		o.queue.remember(group.Folder, msg)
		return nil
	}

	if o.queue.pipeable(group.Folder) && o.pipe(ctx, group, msg) {
		return nil
	}
	o.queue.push(o.baseContext(), group.Folder, msg)
	return nil
}

// pipe tries to hand msg to the group's live run.
func (o *Orchestrator) pipe(ctx context.Context, group domain.RegisteredGroup, msg domain.ChatMessage) bool {
	be, err := o.deps.Backends.For(group)
	if err != nil {
		return false
	}
	if !be.SendMessage(ctx, group.Folder, FormatMessages([]domain.ChatMessage{msg})) {
		return false
	}
	o.queue.disarmClose(group.Folder)
	o.logger.Debug("message piped into live run", "group", group.Folder)
	return true
}

// RunScheduled queues a scheduled prompt for folder. The run happens after
// any work already queued for the group.
func (o *Orchestrator) RunScheduled(ctx context.Context, folder, prompt string) error {
	if _, err := o.deps.Groups.GetGroup(ctx, folder); err != nil {
		return domain.WrapOp("RunScheduled", err)
	}
	o.queue.pushTask(o.baseContext(), folder, prompt)
	return nil
}

// Kill kills the group's live run.
func (o *Orchestrator) Kill(folder string) error {
	return o.deps.Live.Kill(folder)
}

// Live lists the runs in flight.
func (o *Orchestrator) Live() []runner.LiveRun {
	return o.deps.Live.List()
}

// Stop stops the channels, kills live runs and waits for in-flight work to
// finish or ctx to expire.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var errs []error
	for _, ch := range o.outbox.list() {
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop channel %s: %w", ch.Name(), err))
		}
	}

	o.deps.Live.KillAll()
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	if err := o.queue.wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for runs: %w", err))
	}
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

func (o *Orchestrator) baseContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil {
		return context.Background()
	}
	return o.ctx
}

// runJob runs one job for folder and reports the outcome.
func (o *Orchestrator) runJob(ctx context.Context, folder string, j job) {
	if ctx.Err() != nil {
		return
	}
	group, err := o.deps.Groups.GetGroup(ctx, folder)
	if err != nil {
		o.logger.Error("group vanished before run", "group", folder, "error", err)
		return
	}

	runID := runner.NewRunID()
	logger := o.logger.With("group", folder, "run_id", runID)

	be, err := o.deps.Backends.For(group)
	if err != nil {
		logger.Error("no backend for group", "backend", group.Backend, "error", err)
		o.emit(ctx, domain.EventRunFailed, folder, runID, domain.RunEventPayload{
			Backend: group.Backend,
			Error:   err.Error(),
			Code:    domain.ErrorCodeOf(err),
		})
		o.notifyFailure(ctx, group, j)
		return
	}
	backendName := be.Name()

	sessionID, err := o.deps.Sessions.GetSession(ctx, folder)
	if err != nil {
		logger.Warn("load session failed, starting fresh", "error", err)
	}
	input := domain.AgentInput{
		RunID:           runID,
		Prompt:          j.text(),
		SessionID:       sessionID,
		GroupFolder:     folder,
		ChatJID:         group.JID,
		IsMain:          group.IsMain,
		IsScheduledTask: j.scheduled,
		AssistantName:   o.cfg.AssistantName,
	}

	track, release := o.deps.Live.Track(folder, runID)
	defer release()
	onProcess := func(h domain.ProcessHandle, name string) {
		track(h, name)
		o.emit(ctx, domain.EventRunStarted, folder, runID, domain.RunEventPayload{Backend: backendName})
	}
	onOutput := func(ctx context.Context, rec domain.OutputRecord) error {
		o.emit(ctx, domain.EventRunOutput, folder, runID, domain.RunEventPayload{
			Backend: backendName,
			Status:  string(rec.Status),
			Error:   rec.Error,
		})
		text := StripInternal(rec.Text())
		if text == "" {
			return nil
		}
		if o.cfg.CloseAfter > 0 {
			o.queue.armClose(folder, o.cfg.CloseAfter, func() {
				logger.Debug("closing quiet run input")
				be.CloseStdin(context.Background(), folder)
			})
		}
		return o.reply(ctx, group, replyTarget(group, rec, logger), text)
	}

	start := time.Now()
	logger.Info("dispatching run", "backend", backendName, "scheduled", j.scheduled, "messages", len(j.messages))
	res, err := be.RunAgent(ctx, group, input, onProcess, onOutput)
	o.queue.disarmClose(folder)
	if err != nil {
		res = domain.AgentResult{RunID: runID, Status: domain.StatusError, Error: err.Error(), Cause: err, ExitCode: -1}
	}
	if res.RunID == "" {
		res.RunID = runID
	}
	o.finish(ctx, group, backendName, j, res, start, logger)
}

// finish persists and publishes the outcome of a run.
func (o *Orchestrator) finish(ctx context.Context, group domain.RegisteredGroup, backendName string, j job, res domain.AgentResult, start time.Time, logger *slog.Logger) {
	// Bookkeeping outlives shutdown cancellation.
	bctx := context.WithoutCancel(ctx)
	folder := group.Folder

	if res.NewSessionID != "" {
		if err := o.deps.Sessions.SetSession(bctx, folder, res.NewSessionID); err != nil {
			logger.Error("save session failed", "error", err)
		}
	}

	code := domain.ErrorCodeOf(res.Cause)
	if !res.OK() && code == domain.CodeNone {
		code = domain.CodeUnknown
	}
	if err := o.deps.Runs.RecordRun(bctx, domain.AgentRunRecord{
		RunID:     res.RunID,
		Group:     folder,
		Backend:   backendName,
		Status:    res.Status,
		ErrorCode: code,
		ExitCode:  res.ExitCode,
		Outputs:   res.Outputs,
		Duration:  res.Duration,
		StartedAt: start.UTC(),
	}); err != nil {
		logger.Error("record run failed", "error", err)
	}

	payload := domain.RunEventPayload{
		Backend:  backendName,
		Status:   string(res.Status),
		Error:    res.Error,
		ExitCode: res.ExitCode,
		Duration: res.Duration.String(),
		Code:     code,
	}
	if res.TimedOut {
		if reason, ok := runner.IsTimeout(res.Cause); ok {
			payload.Reason = string(reason)
		}
		o.emit(bctx, domain.EventRunTimeout, folder, res.RunID, payload)
	}
	if res.OK() {
		logger.Info("run completed", "outputs", res.Outputs, "duration", res.Duration, "timed_out", res.TimedOut)
		o.emit(bctx, domain.EventRunCompleted, folder, res.RunID, payload)
		return
	}

	logger.Warn("run failed", "error", res.Error, "code", code, "exit_code", res.ExitCode, "duration", res.Duration)
	o.emit(bctx, domain.EventRunFailed, folder, res.RunID, payload)
	if ctx.Err() == nil {
		o.notifyFailure(ctx, group, j)
	}
}

// notifyFailure tells the chat that a message could not be handled.
// Scheduled prompts fail silently.
func (o *Orchestrator) notifyFailure(ctx context.Context, group domain.RegisteredGroup, j job) {
	if j.scheduled || o.cfg.FailureNotice == "" {
		return
	}
	msg := domain.OutboundMessage{ChatJID: group.JID, Content: o.cfg.FailureNotice, IsError: true}
	if err := o.outbox.Send(ctx, group.Channel, msg); err != nil {
		o.logger.Error("failure notice not delivered", "group", group.Folder, "error", err)
	}
}

// replyTarget returns the chat a record is addressed to. Only the main group
// may address chats other than its own.
func replyTarget(group domain.RegisteredGroup, rec domain.OutputRecord, logger *slog.Logger) string {
	jid, ok := rec.ExtraString("chatJid")
	if !ok || jid == "" || jid == group.JID {
		return group.JID
	}
	if !group.IsMain {
		logger.Warn("chatJid override from non-main group ignored", "chat_jid", jid)
		return group.JID
	}
	return jid
}

// reply sends text to chatJID on the group's channel.
func (o *Orchestrator) reply(ctx context.Context, group domain.RegisteredGroup, chatJID, text string) error {
	if err := o.outbox.Send(ctx, group.Channel, domain.OutboundMessage{ChatJID: chatJID, Content: text}); err != nil {
		o.logger.Error("reply delivery failed", "group", group.Folder, "channel", group.Channel, "error", err)
		return err
	}
	o.emit(ctx, domain.EventMessageSent, group.Folder, "", domain.MessageEventPayload{
		Channel: group.Channel,
		ChatJID: chatJID,
		Length:  len(text),
	})
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, t domain.EventType, group, runID string, payload any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(ctx, domain.Event{
		Type:    t,
		Group:   group,
		RunID:   runID,
		Payload: domain.MustPayload(payload),
	})
}
