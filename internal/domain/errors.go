package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
)

// Agent run errors.
var (
	// ErrProtocol marks malformed marker units or an unparsable final output.
	ErrProtocol = fmt.Errorf("output protocol error")
	// ErrProcess marks spawn failures and non-zero exits with no output.
	ErrProcess = fmt.Errorf("agent process error")
	// ErrBackendUnavailable marks a backend whose dependencies are missing.
	ErrBackendUnavailable = fmt.Errorf("backend unavailable")
	// ErrGroupBusy is returned when a group already has a live run.
	ErrGroupBusy = fmt.Errorf("group has an active run")
	// ErrPathOutsideWorkspace is returned for paths escaping a group workspace.
	ErrPathOutsideWorkspace = fmt.Errorf("path is outside group workspace")
	// ErrConfigLoad wraps configuration failures.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	// ErrDecryption is returned when an encrypted config value cannot be opened.
	ErrDecryption = fmt.Errorf("decryption failed")
	// ErrStdinClosed is returned when writing to an agent whose input is closed.
	ErrStdinClosed = fmt.Errorf("agent input closed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Controller.Finish")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "runner", "ipc")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// TimeoutReason identifies which deadline expired.
type TimeoutReason string

const (
	TimeoutStartup TimeoutReason = "startup"
	TimeoutIdle    TimeoutReason = "idle"
)

// TimeoutError reports a startup or idle deadline expiry.
type TimeoutError struct {
	Reason TimeoutReason
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Reason == TimeoutStartup {
		return "agent timed out during startup after " + e.After.String()
	}
	return "agent timed out after " + e.After.String() + " of inactivity"
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ExitError describes an agent process that exited abnormally.
// Code semantics follow exec.ExitError: -1 when terminated by a signal.
type ExitError struct {
	Code   int
	Signal string
	Stderr string // tail of stderr for diagnostics
}

func (e *ExitError) Error() string {
	msg := "agent exited with code " + strconv.Itoa(e.Code)
	if e.Signal != "" {
		msg += " (" + e.Signal + ")"
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return ErrProcess }

// ErrorCode is a machine-parseable error category recorded in run logs.
type ErrorCode string

const (
	CodeNone                 ErrorCode = ""
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeProtocol             ErrorCode = "PROTOCOL"
	CodeStartupTimeout       ErrorCode = "STARTUP_TIMEOUT"
	CodeIdleTimeout          ErrorCode = "IDLE_TIMEOUT"
	CodeProcess              ErrorCode = "PROCESS"
	CodeBackendUnavailable   ErrorCode = "BACKEND_UNAVAILABLE"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodePathOutsideWorkspace ErrorCode = "PATH_OUTSIDE_WORKSPACE"
	CodeGroupBusy            ErrorCode = "GROUP_BUSY"
)

// ErrorCodeOf maps an error to its ErrorCode. nil maps to CodeNone.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		if te.Reason == TimeoutStartup {
			return CodeStartupTimeout
		}
		return CodeIdleTimeout
	}
	switch {
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrProcess):
		return CodeProcess
	case errors.Is(err, ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrPathOutsideWorkspace):
		return CodePathOutsideWorkspace
	case errors.Is(err, ErrGroupBusy):
		return CodeGroupBusy
	}
	return CodeUnknown
}
