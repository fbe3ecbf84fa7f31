package main

import (
	"context"
	"fmt"
	"log/slog"

	"omniclaw/internal/adapter/backend"
	"omniclaw/internal/adapter/backend/local"
	"omniclaw/internal/adapter/backend/sandbox"
	"omniclaw/internal/adapter/backend/server"
	"omniclaw/internal/adapter/channel"
	"omniclaw/internal/domain"
	"omniclaw/internal/infra/config"
	"omniclaw/internal/security"
	"omniclaw/internal/usecase/ipc"
	"omniclaw/internal/usecase/runner"
)

// runnerSettings maps the runner config section onto run defaults.
func runnerSettings(cfg config.RunnerConfig) runner.Settings {
	return runner.Settings{
		StartupTimeout:              cfg.StartupTimeout,
		IdleTimeout:                 cfg.IdleTimeout,
		KillGrace:                   cfg.KillGrace,
		MaxStdoutBytes:              cfg.MaxStdoutBytes,
		MaxStderrBytes:              cfg.MaxStderrBytes,
		SuccessOnOutputAfterTimeout: cfg.SuccessOnOutputAfterTimeout,
	}
}

// buildBackends registers every enabled backend. Availability is decided
// later by Registry.Initialize.
func buildBackends(cfg *config.Config, log *slog.Logger) (*backend.Registry, error) {
	ws, err := security.NewWorkspace(cfg.GroupsDir)
	if err != nil {
		return nil, err
	}
	files := backend.NewFiles(ws, ipc.Layout{Root: cfg.IPCRoot()})
	settings := runnerSettings(cfg.Runner)
	reg := backend.NewRegistry(cfg.Backends.Default, log)

	var enabled []domain.Backend
	if lc := cfg.Backends.Local; lc.Enabled {
		enabled = append(enabled, local.New(local.Config{
			Runtime:         lc.Runtime,
			Image:           lc.Image,
			Command:         lc.Command,
			ExtraArgs:       lc.ExtraArgs,
			Env:             lc.Env,
			ContainerPrefix: lc.ContainerPrefix,
		}, settings, files, log))
	}
	if sc := cfg.Backends.Sandbox; sc.Enabled {
		open := func(ctx context.Context) (sandbox.ObjectStore, error) {
			st, err := sandbox.NewS3Store(ctx, sandbox.S3Config{
				Bucket:       sc.Bucket,
				Region:       sc.Region,
				Endpoint:     sc.Endpoint,
				UsePathStyle: sc.UsePathStyle,
			})
			if err != nil {
				return nil, err
			}
			return st, nil
		}
		enabled = append(enabled, sandbox.New(sandbox.Config{
			Prefix:       sc.Prefix,
			PollInterval: sc.PollInterval,
		}, settings, open, log))
	}
	if sc := cfg.Backends.Server; sc.Enabled {
		enabled = append(enabled, server.New(server.Config{
			Command:        sc.Command,
			Host:           sc.Host,
			BasePort:       sc.BasePort,
			ReadyTimeout:   sc.ReadyTimeout,
			RequestTimeout: sc.RequestTimeout,
			Breaker: server.BreakerConfig{
				Failures: sc.BreakerFailures,
				Timeout:  sc.BreakerTimeout,
			},
		}, settings, files, server.NewPortAllocator(sc.BasePort, 1000), log))
	}

	for _, b := range enabled {
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// buildChannels creates the configured chat channels.
func buildChannels(cfg *config.Config, log *slog.Logger) ([]domain.Channel, error) {
	var out []domain.Channel
	for _, cc := range cfg.Channels {
		var (
			ch  domain.Channel
			err error
		)
		switch cc.Type {
		case "telegram":
			if cc.Telegram == nil {
				err = fmt.Errorf("telegram config section is required")
				break
			}
			ch = channel.NewTelegramChannel(cc.Telegram.Token, log)
		case "whatsapp":
			w := cc.WhatsApp
			if w == nil {
				err = fmt.Errorf("whatsapp config section is required")
				break
			}
			ch = channel.NewWhatsAppChannel(w.Token, w.PhoneID, w.VerifyToken, w.AppSecret, w.WebhookAddr, log)
		case "discord":
			ch, err = buildDiscordChannel(cc, log)
		case "slack":
			ch, err = buildSlackChannel(cc, log)
		default:
			err = fmt.Errorf("unknown channel type %q", cc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", cc.Type, err)
		}
		out = append(out, ch)
	}
	return out, nil
}
