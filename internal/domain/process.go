package domain

// RunState is the lifecycle state of one agent run.
type RunState string

const (
	RunStarting  RunState = "starting"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunTimedOut  RunState = "timed-out"
	RunKilled    RunState = "killed"
	RunCrashed   RunState = "crashed"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunTimedOut, RunKilled, RunCrashed:
		return true
	}
	return false
}

// ExitStatus describes how an agent process ended.
type ExitStatus struct {
	Code   int
	Signal string
	// Err is a wait error that is not a plain non-zero exit.
	Err error
}
