package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"omniclaw/internal/domain"
	"omniclaw/internal/usecase/ipc"
	"omniclaw/internal/usecase/scheduling"
)

// watch starts draining the group's agent-to-host IPC directory. Calling it
// twice for the same folder is a no-op.
func (o *Orchestrator) watch(g domain.RegisteredGroup) error {
	if o.cfg.IPC.Root == "" {
		return nil
	}
	o.mu.Lock()
	if o.watching[g.Folder] {
		o.mu.Unlock()
		return nil
	}
	o.watching[g.Folder] = true
	ctx := o.ctx
	o.mu.Unlock()

	if err := o.cfg.IPC.Ensure(g.Folder); err != nil {
		return fmt.Errorf("ipc dirs for %s: %w", g.Folder, err)
	}
	logger := o.logger.With("group", g.Folder)
	consumer := ipc.NewConsumer(ipc.ConsumerConfig{
		Dir:          o.cfg.IPC.MessagesDir(g.Folder),
		MaxFileBytes: o.cfg.IPCMaxFileBytes,
		Handler:      o.ipcHandler(g.Folder),
		OnQuarantine: func(ctx context.Context, name, reason string) {
			o.emit(ctx, domain.EventIPCQuarantined, g.Folder, "", domain.QuarantineEventPayload{File: name, Reason: reason})
		},
	}, o.validator, logger)
	watcher := ipc.NewWatcher(consumer, o.cfg.IPCPollInterval, logger)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		watcher.Run(ctx)
	}()
	return nil
}

// ipcHandler handles files an agent dropped for the host. The group is
// reloaded per file so authorization follows the current registration.
func (o *Orchestrator) ipcHandler(folder string) ipc.Handler {
	return func(ctx context.Context, name string, msg domain.IPCMessage) error {
		group, err := o.deps.Groups.GetGroup(ctx, folder)
		if err != nil {
			return domain.WrapOp("ipc", err)
		}
		switch msg.Type {
		case domain.IPCTypeMessage:
			return o.ipcMessage(ctx, group, msg)
		case domain.IPCTypeTask:
			o.ipcTask(group, name, msg)
		case domain.IPCTypeClose:
			// Only meaningful on the host-to-agent side.
		}
		return nil
	}
}

func (o *Orchestrator) ipcMessage(ctx context.Context, group domain.RegisteredGroup, msg domain.IPCMessage) error {
	target := msg.ChatJID
	if target == "" {
		target = group.JID
	}
	if target != group.JID && !group.IsMain {
		o.logger.Warn("unauthorized ipc message dropped", "group", group.Folder, "chat_jid", target)
		return nil
	}
	text := StripInternal(msg.Text)
	if text == "" {
		return nil
	}
	return o.reply(ctx, group, target, text)
}

// ipcTask schedules a prompt requested by the agent. Interval schedules fire
// once; cron schedules recur.
func (o *Orchestrator) ipcTask(group domain.RegisteredGroup, name string, msg domain.IPCMessage) {
	logger := o.logger.With("group", group.Folder, "file", name)
	if o.deps.Scheduler == nil {
		logger.Warn("ipc task dropped, scheduler disabled")
		return
	}
	prompt := strings.TrimSpace(msg.Prompt)
	if prompt == "" {
		logger.Warn("ipc task dropped, empty prompt")
		return
	}
	sched, err := scheduling.ParseSchedule(msg.Schedule)
	if err != nil {
		logger.Warn("ipc task dropped, bad schedule", "schedule", msg.Schedule, "error", err)
		return
	}
	id := "ipc:" + group.Folder + ":" + strings.TrimSuffix(name, ".json")
	folder := group.Folder
	run := func(ctx context.Context) error { return o.RunScheduled(ctx, folder, prompt) }
	if err := o.deps.Scheduler.AddDynamicTask(id, sched, run, scheduling.IsInterval(sched)); err != nil {
		logger.Warn("ipc task not scheduled", "error", err)
		return
	}
	logger.Info("ipc task scheduled", "id", id, "schedule", msg.Schedule)
}
