//go:build discord

package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"omniclaw/internal/domain"
)

// DiscordChannel implements domain.Channel for Discord via discordgo. The
// chat JID is the Discord channel id.
type DiscordChannel struct {
	token     string
	session   *discordgo.Session
	handler   domain.MessageHandler
	logger    *slog.Logger
	botUserID string
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// NewDiscordChannel creates a Discord bot channel.
func NewDiscordChannel(token string, logger *slog.Logger) *DiscordChannel {
	return &DiscordChannel{token: token, logger: logger}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	d.session = dg
	d.session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	d.session.AddHandler(d.onMessageCreate)

	if err := d.session.Open(); err != nil {
		return err
	}
	d.botUserID = d.session.State.User.ID
	d.logger.Info("discord channel started", "user_id", d.botUserID)
	return nil
}

func (d *DiscordChannel) Stop(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *DiscordChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	channelID := msg.ChatJID
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}
	for _, part := range splitText(renderContent(msg.Content, msg.IsError), discordMaxText) {
		if _, err := d.session.ChannelMessageSend(channelID, part); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := discordChatMessage(m.Message, d.botUserID)
	if !ok {
		return
	}
	if err := d.handler(d.ctx, msg); err != nil {
		d.logger.Error("discord handler error", "error", err, "channel", m.ChannelID)
	}
}

// discordChatMessage converts a Discord message, skipping the bot's own
// messages and empty content. Mentions of the bot are kept as written so
// trigger matching sees them.
func discordChatMessage(m *discordgo.Message, botUserID string) (domain.ChatMessage, bool) {
	if m == nil || m.Author == nil || m.Author.ID == botUserID || m.Author.Bot || m.Content == "" {
		return domain.ChatMessage{}, false
	}
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.ChatMessage{
		ID:         m.ID,
		Channel:    "discord",
		ChatJID:    m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: name,
		Content:    m.Content,
		Timestamp:  ts.UTC(),
	}, true
}
