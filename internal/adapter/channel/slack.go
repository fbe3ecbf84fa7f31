//go:build slack

package channel

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"omniclaw/internal/domain"
)

// SlackChannel implements domain.Channel for Slack via Socket Mode. The chat
// JID is the Slack channel id.
type SlackChannel struct {
	botToken  string
	appToken  string
	api       *slack.Client
	socketCli *socketmode.Client
	handler   domain.MessageHandler
	logger    *slog.Logger
	botUserID string
	userNames sync.Map // cache: userID -> display name
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(botToken, appToken string, logger *slog.Logger) *SlackChannel {
	return &SlackChannel{botToken: botToken, appToken: appToken, logger: logger}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	s.handler = handler
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.socketCli = socketmode.New(s.api)

	authResp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return err
	}
	s.botUserID = authResp.UserID
	s.logger.Info("slack channel started", "bot_user_id", s.botUserID)

	go s.eventLoop()
	go func() {
		if err := s.socketCli.RunContext(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("slack socket mode error", "error", err)
		}
	}()
	return nil
}

func (s *SlackChannel) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SlackChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	content := msg.Content
	if msg.IsError {
		content = ":warning: " + content
	}
	for _, part := range splitText(content, slackMaxText) {
		opts := []slack.MsgOption{slack.MsgOptionText(part, false)}
		if msg.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
		}
		if _, _, err := s.api.PostMessageContext(ctx, msg.ChatJID, opts...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SlackChannel) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.socketCli.Events:
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			s.socketCli.Ack(*evt.Request)

			if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				s.handleMessage(ev)
			}
		}
	}
}

// resolveUserName returns a display name for a Slack user ID, caching
// lookups.
func (s *SlackChannel) resolveUserName(userID string) string {
	if v, ok := s.userNames.Load(userID); ok {
		return v.(string)
	}
	info, err := s.api.GetUserInfoContext(s.ctx, userID)
	if err != nil {
		s.logger.Warn("slack: failed to resolve user name", "user_id", userID, "error", err)
		return userID
	}
	name := info.RealName
	if name == "" {
		name = info.Name
	}
	s.userNames.Store(userID, name)
	return name
}

func (s *SlackChannel) handleMessage(ev *slackevents.MessageEvent) {
	msg, ok := slackChatMessage(ev, s.botUserID)
	if !ok {
		return
	}
	msg.SenderName = s.resolveUserName(ev.User)
	if err := s.handler(s.ctx, msg); err != nil {
		s.logger.Error("slack handler error", "error", err, "channel", ev.Channel)
	}
}

// slackChatMessage converts a message event, skipping bot and empty
// messages.
func slackChatMessage(ev *slackevents.MessageEvent, botUserID string) (domain.ChatMessage, bool) {
	if ev.User == "" || ev.User == botUserID || ev.BotID != "" || strings.TrimSpace(ev.Text) == "" {
		return domain.ChatMessage{}, false
	}
	return domain.ChatMessage{
		ID:        ev.TimeStamp,
		Channel:   "slack",
		ChatJID:   ev.Channel,
		SenderID:  ev.User,
		Content:   ev.Text,
		ThreadID:  ev.ThreadTimeStamp,
		Timestamp: slackTime(ev.TimeStamp),
	}, true
}

// slackTime parses a Slack "seconds.micros" timestamp.
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	var us int64
	if frac != "" {
		us, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, us*1000).UTC()
}
