//go:build discord

package main

import (
	"fmt"
	"log/slog"

	"omniclaw/internal/adapter/channel"
	"omniclaw/internal/domain"
	"omniclaw/internal/infra/config"
)

func buildDiscordChannel(cc config.ChannelConfig, log *slog.Logger) (domain.Channel, error) {
	if cc.Discord == nil || cc.Discord.Token == "" {
		return nil, fmt.Errorf("discord.token is required")
	}
	return channel.NewDiscordChannel(cc.Discord.Token, log), nil
}
