package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"omniclaw/internal/domain"
)

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

func validGroup(folder, jid string) GroupConfig {
	return GroupConfig{Folder: folder, Name: folder, JID: jid, Channel: "telegram"}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateErrorWrapsConfigLoad(t *testing.T) {
	cfg := Defaults()
	cfg.AssistantName = " "
	err := Validate(cfg)
	if !errors.Is(err, domain.ErrConfigLoad) {
		t.Fatalf("err = %v, want ErrConfigLoad", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Errors) != 1 {
		t.Fatalf("want exactly one validation error, got %v", err)
	}
}

func TestValidateRunner(t *testing.T) {
	cfg := Defaults()
	cfg.Runner.MaxStdoutBytes = 0
	cfg.Runner.KillGrace = 0
	cfg.Runner.IdleTimeout = -time.Second
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "runner.max_stdout_bytes must be > 0")
	assertContains(t, err.Error(), "runner.kill_grace must be > 0")
	assertContains(t, err.Error(), "runner.idle_timeout must be >= 0")
}

func TestValidateZeroTimeoutsAllowed(t *testing.T) {
	cfg := Defaults()
	cfg.Runner.StartupTimeout = 0
	cfg.Runner.IdleTimeout = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero timeouts disable the timer and should validate: %v", err)
	}
}

func TestValidateOrchestrator(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.SendRate = 0
	cfg.Orchestrator.CloseAfter = -time.Second
	cfg.Orchestrator.ContextMessages = -1
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "orchestrator.send_rate must be > 0")
	assertContains(t, err.Error(), "orchestrator.close_after must be >= 0")
	assertContains(t, err.Error(), "orchestrator.context_messages must be >= 0")
}

func TestValidateBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "unknown default",
			mutate: func(c *Config) { c.Backends.Default = "k8s" },
			want:   `backends.default "k8s" is invalid`,
		},
		{
			name:   "default not enabled",
			mutate: func(c *Config) { c.Backends.Default = "sandbox" },
			want:   `backends.default "sandbox" is not enabled`,
		},
		{
			name:   "bad runtime",
			mutate: func(c *Config) { c.Backends.Local.Runtime = "lxc" },
			want:   `backends.local.runtime "lxc" is invalid`,
		},
		{
			name: "direct runtime without command",
			mutate: func(c *Config) {
				c.Backends.Local.Runtime = "none"
			},
			want: "backends.local.command is required when runtime is none",
		},
		{
			name:   "sandbox without bucket",
			mutate: func(c *Config) { c.Backends.Sandbox.Enabled = true },
			want:   "backends.sandbox.bucket is required",
		},
		{
			name: "server bad port",
			mutate: func(c *Config) {
				c.Backends.Server.Enabled = true
				c.Backends.Server.BasePort = 70000
			},
			want: "backends.server.base_port 70000 is out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateChannels(t *testing.T) {
	cfg := Defaults()
	cfg.Channels = []ChannelConfig{
		{Type: "irc"},
		{Type: "slack", Slack: &SlackChannelConfig{BotToken: "xoxb"}},
		{Type: "whatsapp"},
		{Type: "telegram", Telegram: &TelegramChannelConfig{Token: "t"}},
		{Type: "telegram", Telegram: &TelegramChannelConfig{Token: "t"}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	assertContains(t, msg, `channels[0].type "irc" is invalid`)
	assertContains(t, msg, "slack.app_token is required")
	assertContains(t, msg, "whatsapp config section is required")
	assertContains(t, msg, `duplicate channel type "telegram"`)
}

func TestValidateGroups(t *testing.T) {
	cfg := Defaults()
	main1 := validGroup("main", "1")
	main1.IsMain = true
	main2 := validGroup("other", "2")
	main2.IsMain = true
	cfg.Groups = []GroupConfig{
		main1,
		main2,
		validGroup("main", "3"),
		validGroup("../etc", "4"),
		validGroup("dup-chat", "1"),
		{Folder: "nojid", Channel: "telegram"},
		{Folder: "badbackend", JID: "5", Channel: "telegram", Backend: "lambda"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	assertContains(t, msg, "at most one group may be main")
	assertContains(t, msg, `duplicate folder "main"`)
	assertContains(t, msg, `groups[3].folder "../etc" is invalid`)
	assertContains(t, msg, "chat telegram/1 is already registered")
	assertContains(t, msg, "groups[5].jid is required")
	assertContains(t, msg, `groups[6].backend "lambda" is invalid`)
}

func TestValidateScheduler(t *testing.T) {
	cfg := Defaults()
	cfg.Groups = []GroupConfig{validGroup("main", "1")}
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Tasks = []ScheduledTaskConfig{
		{Name: "a", Schedule: "0 9 * * *", Group: "main", Prompt: "hi"},
		{Name: "a", Schedule: "-1m", Group: "ghost"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	assertContains(t, msg, `duplicate name "a"`)
	assertContains(t, msg, "schedule interval must be > 0")
	assertContains(t, msg, "scheduler.tasks[1].prompt is required")
	assertContains(t, msg, `group "ghost" is not a configured group`)
	if strings.Contains(msg, "scheduler.tasks[0]") {
		t.Errorf("task 0 should be valid: %s", msg)
	}
}

func TestValidateSchedulerDisabledSkipsTasks(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.Tasks = []ScheduledTaskConfig{{}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled scheduler should not validate tasks: %v", err)
	}
}
