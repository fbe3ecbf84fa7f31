package domain

import (
	"context"
	"time"
)

// SessionStore persists the agent session id per group folder.
type SessionStore interface {
	GetSession(ctx context.Context, folder string) (string, error)
	SetSession(ctx context.Context, folder, sessionID string) error
}

// GroupStore persists registered groups.
type GroupStore interface {
	UpsertGroup(ctx context.Context, g RegisteredGroup) error
	GetGroup(ctx context.Context, folder string) (RegisteredGroup, error)
	FindGroupByChat(ctx context.Context, channel, chatJID string) (RegisteredGroup, error)
	ListGroups(ctx context.Context) ([]RegisteredGroup, error)
	DeleteGroup(ctx context.Context, folder string) error
}

// AgentRunRecord is one row of the run log.
type AgentRunRecord struct {
	RunID     string        `json:"run_id"`
	Group     string        `json:"group"`
	Backend   string        `json:"backend"`
	Status    OutputStatus  `json:"status"`
	ErrorCode ErrorCode     `json:"error_code,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Outputs   int           `json:"outputs"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

// RunLog records finished agent runs.
type RunLog interface {
	RecordRun(ctx context.Context, rec AgentRunRecord) error
	RecentRuns(ctx context.Context, folder string, limit int) ([]AgentRunRecord, error)
}
