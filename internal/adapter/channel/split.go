// Package channel holds the chat platform adapters. Each adapter turns
// platform events into domain.ChatMessage values keyed by chat id and sends
// replies back to a chat.
package channel

import (
	"strings"
	"unicode/utf8"
)

// Platform message length limits.
const (
	telegramMaxText = 4096
	discordMaxText  = 2000
	whatsappMaxText = 4096
	slackMaxText    = 40000
)

// splitText breaks text into pieces of at most limit bytes, preferring to
// cut at a newline, then at a space. Pieces never split a UTF-8 sequence.
func splitText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if i := strings.LastIndexByte(text[:cut], '\n'); i > limit/2 {
			cut = i + 1
		} else if i := strings.LastIndexByte(text[:cut], ' '); i > limit/2 {
			cut = i + 1
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n "))
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// errorPrefix marks failure notices.
const errorPrefix = "⚠️ "

func renderContent(content string, isError bool) string {
	if isError {
		return errorPrefix + content
	}
	return content
}
