package domain

import (
	"context"
	"time"
)

// ChatMessage is a message received from a chat platform.
type ChatMessage struct {
	ID         string    `json:"id,omitempty"`
	Channel    string    `json:"channel"`
	ChatJID    string    `json:"chat_jid"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OutboundMessage is a reply sent to a chat.
type OutboundMessage struct {
	ChatJID  string `json:"chat_jid"`
	Content  string `json:"content"`
	ThreadID string `json:"thread_id,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// MessageHandler is a callback the channel invokes when it receives input.
type MessageHandler func(ctx context.Context, msg ChatMessage) error

// Channel is the interface for chat platform adapters.
type Channel interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	Name() string
}
