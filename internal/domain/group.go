package domain

import (
	"fmt"
	"regexp"
	"time"
)

// RegisteredGroup is one isolated conversation context with its own
// workspace folder and backend.
type RegisteredGroup struct {
	Folder          string        `json:"folder"`
	Name            string        `json:"name"`
	JID             string        `json:"jid"`
	Channel         string        `json:"channel"`
	Backend         string        `json:"backend,omitempty"`
	IsMain          bool          `json:"is_main,omitempty"`
	RequiresTrigger bool          `json:"requires_trigger,omitempty"`
	StartupTimeout  time.Duration `json:"startup_timeout,omitempty"`
	IdleTimeout     time.Duration `json:"idle_timeout,omitempty"`
	AddedAt         time.Time     `json:"added_at"`
}

var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateFolder checks that a group folder name is safe to use as a
// single path component.
func ValidateFolder(folder string) error {
	if !folderPattern.MatchString(folder) {
		return NewDomainError("ValidateFolder", ErrInvalidInput, fmt.Sprintf("invalid group folder %q", folder))
	}
	return nil
}
