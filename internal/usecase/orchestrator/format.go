package orchestrator

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"omniclaw/internal/domain"
)

var internalSpan = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>...</internal> spans the agent reserves
// for itself and trims the rest.
func StripInternal(text string) string {
	return strings.TrimSpace(internalSpan.ReplaceAllString(text, ""))
}

// HasTrigger reports whether content starts with @name, ignoring case and
// leading whitespace. The mention must end at a word boundary.
func HasTrigger(content, name string) bool {
	if name == "" {
		return false
	}
	t := strings.TrimLeftFunc(content, unicode.IsSpace)
	trigger := "@" + name
	if len(t) < len(trigger) || !strings.EqualFold(t[:len(trigger)], trigger) {
		return false
	}
	rest := t[len(trigger):]
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// FormatMessages renders chat messages as one prompt, a <message> block per
// message so the agent sees who said what and when.
func FormatMessages(msgs []domain.ChatMessage) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`<message sender="`)
		b.WriteString(xmlEscaper.Replace(senderOf(m)))
		b.WriteByte('"')
		if !m.Timestamp.IsZero() {
			b.WriteString(` time="`)
			b.WriteString(m.Timestamp.UTC().Format(time.RFC3339))
			b.WriteByte('"')
		}
		b.WriteByte('>')
		b.WriteString(xmlEscaper.Replace(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

func senderOf(m domain.ChatMessage) string {
	switch {
	case m.SenderName != "":
		return m.SenderName
	case m.SenderID != "":
		return m.SenderID
	default:
		return "unknown"
	}
}
