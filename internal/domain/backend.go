package domain

import "context"

// VirtualPID is reported by handles that have no OS process behind them.
const VirtualPID = -1

// ProcessHandle is ownership of one running agent: a real OS process, a
// remote sandbox session, or a server request. Kill is idempotent; a second
// call is a silent no-op.
type ProcessHandle interface {
	PID() int
	Kill() error
	Killed() bool
}

// ProcessFunc is called once per run as soon as the handle exists, so the
// caller can register it for out-of-band kill requests.
type ProcessFunc func(handle ProcessHandle, name string)

// OutputFunc receives parsed output records strictly in parse order. A
// returned error is logged and never aborts later deliveries.
type OutputFunc func(ctx context.Context, rec OutputRecord) error

// Backend runs agents for groups. Implementations: local subprocess,
// object-store sandbox, HTTP agent server.
type Backend interface {
	Name() string

	// Initialize prepares process-wide resources. A missing dependency is
	// reported as ErrBackendUnavailable so callers can disable the backend.
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// RunAgent blocks until the run resolves. The error return is reserved
	// for failures before any process exists (bad input, unknown group);
	// everything else resolves to an AgentResult with StatusError.
	RunAgent(ctx context.Context, group RegisteredGroup, input AgentInput, onProcess ProcessFunc, onOutput OutputFunc) (AgentResult, error)

	// SendMessage injects text into the group's live run, directly when the
	// backend can and otherwise through a durable IPC input file. It returns
	// false when the group has no live run.
	SendMessage(ctx context.Context, groupFolder, text string) bool

	// CloseStdin signals end of input to the group's live run.
	CloseStdin(ctx context.Context, groupFolder string)

	WriteIPCData(ctx context.Context, groupFolder, name string, data []byte) error
	ReadFile(ctx context.Context, groupFolder, relPath string) ([]byte, error)
	WriteFile(ctx context.Context, groupFolder, relPath string, data []byte) error
}
