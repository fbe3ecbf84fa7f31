//go:build slack

package main

import (
	"fmt"
	"log/slog"

	"omniclaw/internal/adapter/channel"
	"omniclaw/internal/domain"
	"omniclaw/internal/infra/config"
)

func buildSlackChannel(cc config.ChannelConfig, log *slog.Logger) (domain.Channel, error) {
	if cc.Slack == nil || cc.Slack.BotToken == "" || cc.Slack.AppToken == "" {
		return nil, fmt.Errorf("slack.bot_token and slack.app_token are required")
	}
	return channel.NewSlackChannel(cc.Slack.BotToken, cc.Slack.AppToken, log), nil
}
