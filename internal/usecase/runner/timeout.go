package runner

import (
	"sync"
	"time"

	"omniclaw/internal/domain"
)

// Arbiter owns the startup and idle timers of one run. Either timer firing
// invokes onTimeout exactly once; after that both are expired. A zero
// duration disables that timer.
type Arbiter struct {
	startupAfter time.Duration
	idleAfter    time.Duration
	onTimeout    func(domain.TimeoutReason)

	mu             sync.Mutex
	startup        *time.Timer
	idle           *time.Timer
	idleGen        uint64
	startupCleared bool
	armed          bool
	fired          bool
	stopped        bool
}

// NewArbiter creates an unarmed Arbiter.
func NewArbiter(startup, idle time.Duration, onTimeout func(domain.TimeoutReason)) *Arbiter {
	return &Arbiter{
		startupAfter: startup,
		idleAfter:    idle,
		onTimeout:    onTimeout,
	}
}

// Start arms both timers. Calling it again is a no-op.
func (a *Arbiter) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.armed || a.stopped {
		return
	}
	a.armed = true
	if a.startupAfter > 0 && !a.startupCleared {
		a.startup = time.AfterFunc(a.startupAfter, func() { a.fire(domain.TimeoutStartup, 0) })
	}
	a.armIdleLocked()
}

// ClearStartup permanently disarms the startup timer.
func (a *Arbiter) ClearStartup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startupCleared {
		return
	}
	a.startupCleared = true
	if a.startup != nil {
		a.startup.Stop()
		a.startup = nil
	}
}

// ResetIdle restarts the idle timer from zero.
func (a *Arbiter) ResetIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.armed || a.fired || a.stopped {
		return
	}
	a.armIdleLocked()
}

// Cleanup cancels both timers. Safe to call more than once.
func (a *Arbiter) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.stopTimersLocked()
}

// Fired reports whether a timeout has fired.
func (a *Arbiter) Fired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fired
}

func (a *Arbiter) armIdleLocked() {
	if a.idleAfter <= 0 {
		return
	}
	if a.idle != nil {
		a.idle.Stop()
	}
	// The generation guards against a timer that already fired and is
	// waiting on the lock while being replaced.
	a.idleGen++
	gen := a.idleGen
	a.idle = time.AfterFunc(a.idleAfter, func() { a.fire(domain.TimeoutIdle, gen) })
}

func (a *Arbiter) stopTimersLocked() {
	if a.startup != nil {
		a.startup.Stop()
		a.startup = nil
	}
	if a.idle != nil {
		a.idle.Stop()
		a.idle = nil
	}
}

func (a *Arbiter) fire(reason domain.TimeoutReason, gen uint64) {
	a.mu.Lock()
	if a.fired || a.stopped {
		a.mu.Unlock()
		return
	}
	switch reason {
	case domain.TimeoutStartup:
		if a.startupCleared {
			a.mu.Unlock()
			return
		}
	case domain.TimeoutIdle:
		if gen != a.idleGen {
			a.mu.Unlock()
			return
		}
	}
	a.fired = true
	a.stopTimersLocked()
	a.mu.Unlock()

	if a.onTimeout != nil {
		a.onTimeout(reason)
	}
}
