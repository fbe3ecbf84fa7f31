package domain

// IPCMessageType discriminates IPC file-drop payloads.
type IPCMessageType string

const (
	IPCTypeMessage IPCMessageType = "message"
	IPCTypeTask    IPCMessageType = "task"
	IPCTypeClose   IPCMessageType = "close"
)

// IPCCloseSentinel is the zero-byte file name that signals end of input.
const IPCCloseSentinel = "_close"

// IPC subdirectories under a group's IPC root.
const (
	IPCInputDir    = "input"
	IPCMessagesDir = "messages"
	IPCErrorsDir   = "errors"
)

// IPCMessage is one file-drop payload exchanged between host and agent.
type IPCMessage struct {
	Type    IPCMessageType `json:"type"`
	Text    string         `json:"text,omitempty"`
	ChatJID string         `json:"chatJid,omitempty"`
	Prompt  string         `json:"prompt,omitempty"`
	// Schedule is used by task messages: a cron expression or Go duration.
	Schedule string `json:"schedule,omitempty"`
}
