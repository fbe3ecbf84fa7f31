package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// OutputStatus is the outcome carried by an OutputRecord or AgentResult.
type OutputStatus string

const (
	StatusSuccess OutputStatus = "success"
	StatusError   OutputStatus = "error"
)

// AgentInput is the payload handed to an agent process for one run.
type AgentInput struct {
	// RunID is assigned by the caller; backends mint one when it is empty.
	RunID           string `json:"runId,omitempty"`
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
	AssistantName   string `json:"assistantName,omitempty"`

	// Per-run overrides; zero means use the runner defaults.
	StartupTimeout time.Duration `json:"-"`
	IdleTimeout    time.Duration `json:"-"`
}

// Validate checks the fields every backend relies on.
func (in AgentInput) Validate() error {
	if in.GroupFolder == "" {
		return NewDomainError("AgentInput.Validate", ErrInvalidInput, "group folder is required")
	}
	if in.Prompt == "" {
		return NewDomainError("AgentInput.Validate", ErrInvalidInput, "prompt is required")
	}
	return nil
}

// OutputRecord is one structured result unit emitted by an agent between
// output markers. Fields the host does not know about are kept in Extra and
// re-emitted verbatim by MarshalJSON.
type OutputRecord struct {
	Status       OutputStatus
	Result       *string
	NewSessionID string
	Error        string
	Extra        map[string]json.RawMessage
}

var knownRecordKeys = map[string]bool{
	"status":       true,
	"result":       true,
	"newSessionId": true,
	"error":        true,
}

// UnmarshalJSON decodes a record and rejects unknown statuses.
func (r *OutputRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("output record is null")
	}

	var out OutputRecord
	if v, ok := raw["status"]; ok {
		if err := json.Unmarshal(v, &out.Status); err != nil {
			return fmt.Errorf("status: %w", err)
		}
	}
	switch out.Status {
	case StatusSuccess, StatusError:
	default:
		return fmt.Errorf("invalid status %q", out.Status)
	}

	if v, ok := raw["result"]; ok && !isJSONNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("result: %w", err)
		}
		out.Result = &s
	}
	if v, ok := raw["newSessionId"]; ok && !isJSONNull(v) {
		if err := json.Unmarshal(v, &out.NewSessionID); err != nil {
			return fmt.Errorf("newSessionId: %w", err)
		}
	}
	if v, ok := raw["error"]; ok && !isJSONNull(v) {
		if err := json.Unmarshal(v, &out.Error); err != nil {
			return fmt.Errorf("error: %w", err)
		}
	}

	for k, v := range raw {
		if knownRecordKeys[k] {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}

	*r = out
	return nil
}

// MarshalJSON encodes the record in wire form, including Extra fields.
func (r OutputRecord) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		m[k] = v
	}
	m["status"] = r.Status
	m["result"] = r.Result
	if r.NewSessionID != "" {
		m["newSessionId"] = r.NewSessionID
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return json.Marshal(m)
}

// Text returns the result payload, or "" when it is null.
func (r OutputRecord) Text() string {
	if r.Result == nil {
		return ""
	}
	return *r.Result
}

// ExtraString returns a passthrough field decoded as a string.
func (r OutputRecord) ExtraString(key string) (string, bool) {
	v, ok := r.Extra[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func isJSONNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// AgentResult is the resolved outcome of one AgentRun. Backends never return
// process-level failures as Go errors; they resolve to Status == StatusError.
type AgentResult struct {
	RunID        string        `json:"run_id"`
	Status       OutputStatus  `json:"status"`
	Result       *string       `json:"result"`
	NewSessionID string        `json:"new_session_id,omitempty"`
	Error        string        `json:"error,omitempty"`
	Cause        error         `json:"-"`
	ExitCode     int           `json:"exit_code"`
	TimedOut     bool          `json:"timed_out"`
	Outputs      int           `json:"outputs"`
	Duration     time.Duration `json:"duration"`
}

// OK reports whether the run resolved successfully.
func (r AgentResult) OK() bool { return r.Status == StatusSuccess }
