package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"omniclaw/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Unwrap lets callers match the error with errors.Is(err, domain.ErrConfigLoad).
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateCore(cfg, ve)
	validateLogger(cfg, ve)
	validateRunner(cfg, ve)
	validateIPC(cfg, ve)
	validateBackends(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateChannels(cfg, ve)
	validateGroups(cfg, ve)
	validateScheduler(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateCore(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.AssistantName) == "" {
		ve.Add("assistant_name must not be empty")
	}
	if cfg.DataDir == "" {
		ve.Add("data_dir must not be empty")
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
	validExporters  = map[string]bool{"noop": true, "stdout": true, "": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validateRunner(cfg *Config, ve *ValidationError) {
	r := cfg.Runner
	if r.StartupTimeout < 0 {
		ve.Add("runner.startup_timeout must be >= 0")
	}
	if r.IdleTimeout < 0 {
		ve.Add("runner.idle_timeout must be >= 0")
	}
	if r.MaxStdoutBytes <= 0 {
		ve.Add("runner.max_stdout_bytes must be > 0")
	}
	if r.MaxStderrBytes <= 0 {
		ve.Add("runner.max_stderr_bytes must be > 0")
	}
	if r.KillGrace <= 0 {
		ve.Add("runner.kill_grace must be > 0")
	}
}

func validateIPC(cfg *Config, ve *ValidationError) {
	if cfg.IPC.PollInterval <= 0 {
		ve.Add("ipc.poll_interval must be > 0")
	}
	if cfg.IPC.MaxFileBytes <= 0 {
		ve.Add("ipc.max_file_bytes must be > 0")
	}
}

var validRuntimes = map[string]bool{"docker": true, "podman": true, "none": true}

func validateBackends(cfg *Config, ve *ValidationError) {
	b := cfg.Backends
	enabled := map[string]bool{
		"local":   b.Local.Enabled,
		"sandbox": b.Sandbox.Enabled,
		"server":  b.Server.Enabled,
	}
	if _, ok := enabled[b.Default]; !ok {
		ve.Add("backends.default %q is invalid (want: local, sandbox, server)", b.Default)
	} else if !enabled[b.Default] {
		ve.Add("backends.default %q is not enabled", b.Default)
	}

	if b.Local.Enabled {
		if !validRuntimes[b.Local.Runtime] {
			ve.Add("backends.local.runtime %q is invalid (want: docker, podman, none)", b.Local.Runtime)
		}
		if b.Local.Runtime == "none" && len(b.Local.Command) == 0 {
			ve.Add("backends.local.command is required when runtime is none")
		}
		if b.Local.Runtime != "none" && b.Local.Image == "" {
			ve.Add("backends.local.image is required for container runtimes")
		}
	}

	if b.Sandbox.Enabled {
		if b.Sandbox.Bucket == "" {
			ve.Add("backends.sandbox.bucket is required (set via OMNICLAW_SANDBOX_BUCKET)")
		}
		if b.Sandbox.PollInterval <= 0 {
			ve.Add("backends.sandbox.poll_interval must be > 0")
		}
	}

	if b.Server.Enabled {
		if len(b.Server.Command) == 0 {
			ve.Add("backends.server.command is required")
		}
		if b.Server.BasePort <= 0 || b.Server.BasePort > 65535 {
			ve.Add("backends.server.base_port %d is out of range", b.Server.BasePort)
		}
		if net.ParseIP(b.Server.Host) == nil && b.Server.Host != "localhost" {
			ve.Add("backends.server.host %q is not an IP address", b.Server.Host)
		}
		if b.Server.ReadyTimeout <= 0 {
			ve.Add("backends.server.ready_timeout must be > 0")
		}
		if b.Server.BreakerFailures == 0 {
			ve.Add("backends.server.breaker_failures must be > 0")
		}
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	if cfg.Orchestrator.SendRate <= 0 {
		ve.Add("orchestrator.send_rate must be > 0")
	}
	if cfg.Orchestrator.SendBurst <= 0 {
		ve.Add("orchestrator.send_burst must be > 0")
	}
	if cfg.Orchestrator.CloseAfter < 0 {
		ve.Add("orchestrator.close_after must be >= 0")
	}
	if cfg.Orchestrator.ContextMessages < 0 {
		ve.Add("orchestrator.context_messages must be >= 0")
	}
}

var validChannelTypes = map[string]bool{
	"telegram": true,
	"discord":  true,
	"slack":    true,
	"whatsapp": true,
}

func validateChannels(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, ch := range cfg.Channels {
		if !validChannelTypes[ch.Type] {
			ve.Add("channels[%d].type %q is invalid (want: telegram, discord, slack, whatsapp)", i, ch.Type)
			continue
		}
		if seen[ch.Type] {
			ve.Add("channels[%d]: duplicate channel type %q", i, ch.Type)
		}
		seen[ch.Type] = true

		switch ch.Type {
		case "telegram":
			if ch.Telegram == nil || ch.Telegram.Token == "" {
				ve.Add("channels[%d] (telegram): telegram.token is required (set via OMNICLAW_TELEGRAM_TOKEN)", i)
			}
		case "discord":
			if ch.Discord == nil || ch.Discord.Token == "" {
				ve.Add("channels[%d] (discord): discord.token is required (set via OMNICLAW_DISCORD_TOKEN)", i)
			}
		case "slack":
			if ch.Slack == nil {
				ve.Add("channels[%d] (slack): slack config section is required", i)
			} else {
				if ch.Slack.BotToken == "" {
					ve.Add("channels[%d] (slack): slack.bot_token is required (set via OMNICLAW_SLACK_BOT_TOKEN)", i)
				}
				if ch.Slack.AppToken == "" {
					ve.Add("channels[%d] (slack): slack.app_token is required (set via OMNICLAW_SLACK_APP_TOKEN)", i)
				}
			}
		case "whatsapp":
			if ch.WhatsApp == nil {
				ve.Add("channels[%d] (whatsapp): whatsapp config section is required", i)
			} else {
				if ch.WhatsApp.Token == "" {
					ve.Add("channels[%d] (whatsapp): whatsapp.token is required (set via OMNICLAW_WHATSAPP_TOKEN)", i)
				}
				if ch.WhatsApp.PhoneID == "" {
					ve.Add("channels[%d] (whatsapp): whatsapp.phone_id is required", i)
				}
				if ch.WhatsApp.VerifyToken == "" {
					ve.Add("channels[%d] (whatsapp): whatsapp.verify_token is required", i)
				}
			}
		}
	}
}

func validateGroups(cfg *Config, ve *ValidationError) {
	folders := make(map[string]bool)
	chats := make(map[string]bool)
	mains := 0
	for i, g := range cfg.Groups {
		if err := domain.ValidateFolder(g.Folder); err != nil {
			ve.Add("groups[%d].folder %q is invalid (lowercase letters, digits, '-' and '_')", i, g.Folder)
		} else if folders[g.Folder] {
			ve.Add("groups[%d]: duplicate folder %q", i, g.Folder)
		}
		folders[g.Folder] = true

		if g.JID == "" {
			ve.Add("groups[%d].jid is required", i)
		}
		if !validChannelTypes[g.Channel] {
			ve.Add("groups[%d].channel %q is invalid", i, g.Channel)
		}
		key := g.Channel + "/" + g.JID
		if g.JID != "" && chats[key] {
			ve.Add("groups[%d]: chat %s is already registered", i, key)
		}
		chats[key] = true

		switch g.Backend {
		case "", "local", "sandbox", "server":
		default:
			ve.Add("groups[%d].backend %q is invalid (want: local, sandbox, server)", i, g.Backend)
		}
		if g.StartupTimeout < 0 || g.IdleTimeout < 0 {
			ve.Add("groups[%d]: timeouts must be >= 0", i)
		}
		if g.IsMain {
			mains++
		}
	}
	if mains > 1 {
		ve.Add("groups: at most one group may be main (found %d)", mains)
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	groups := make(map[string]bool, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groups[g.Folder] = true
	}
	names := make(map[string]bool)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		} else if names[t.Name] {
			ve.Add("scheduler.tasks[%d]: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		} else if d, err := time.ParseDuration(t.Schedule); err == nil && d <= 0 {
			ve.Add("scheduler.tasks[%d].schedule interval must be > 0", i)
		}
		if t.Prompt == "" {
			ve.Add("scheduler.tasks[%d].prompt is required", i)
		}
		// Groups may also be registered at runtime; only check seeded ones
		// when the config declares any.
		if len(groups) > 0 && !groups[t.Group] {
			ve.Add("scheduler.tasks[%d].group %q is not a configured group", i, t.Group)
		}
	}
}
