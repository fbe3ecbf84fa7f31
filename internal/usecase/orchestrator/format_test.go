package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"omniclaw/internal/domain"
)

func TestHasTrigger(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"@Andy hello", true},
		{"@andy hello", true},
		{"  @ANDY, are you there?", true},
		{"@Andy", true},
		{"@Andy's turn", true},
		{"hello @Andy", false},
		{"@Andrew hi", false},
		{"@Andy_bot hi", false},
		{"Andy hi", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, HasTrigger(tt.content, "Andy"))
		})
	}
	assert.False(t, HasTrigger("@ hi", ""))
}

func TestStripInternal(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"<internal>hidden</internal>", ""},
		{"a <internal>x</internal> b <internal>y</internal> c", "a  b  c"},
		{"<internal>multi\nline</internal>\nvisible", "visible"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripInternal(tt.in), tt.in)
	}
}

func TestFormatMessages(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	got := FormatMessages([]domain.ChatMessage{
		{SenderName: `Bob "B" <b>`, Content: "1 < 2 & 3 > 2", Timestamp: ts},
		{SenderID: "u42", Content: "no time"},
		{Content: "anon"},
	})
	want := "<messages>\n" +
		`<message sender="Bob &quot;B&quot; &lt;b&gt;" time="2026-03-04T04:06:07Z">1 &lt; 2 &amp; 3 &gt; 2</message>` + "\n" +
		`<message sender="u42">no time</message>` + "\n" +
		`<message sender="unknown">anon</message>` + "\n" +
		"</messages>"
	assert.Equal(t, want, got)
}
