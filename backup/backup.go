// Package backup provides the consecutive-read-failure state machine that
// flips an entity handle into backup mode.
//
// States:
//   - Normal: reads go to the backing store; failures are counted.
//   - Active: the failure count reached the threshold. The handle serves a
//     fallback value and suppresses saves until [Policy.Clear] is called.
//
// Unlike a circuit breaker there is no automatic recovery: leaving backup
// mode is always an explicit decision of the caller.
package backup

import (
	"sync"
	"time"
)

// State represents the current backup state.
type State int

const (
	Normal State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Policy tracks consecutive read failures for one handle. All methods are
// safe for concurrent use.
type Policy struct {
	mu sync.Mutex

	threshold int // <= 0 disables backup mode
	failures  int // consecutive read failures
	state     State
	enteredAt time.Time
	nowFunc   func() time.Time // for testing; defaults to time.Now
}

// New creates a Policy that activates after threshold consecutive failures.
// A threshold <= 0 never activates.
func New(threshold int) *Policy {
	return &Policy{threshold: threshold, nowFunc: time.Now}
}

// SetThreshold changes the activation threshold. It does not evaluate the
// current failure count; only the next recorded failure does.
func (p *Policy) SetThreshold(threshold int) {
	p.mu.Lock()
	p.threshold = threshold
	p.mu.Unlock()
}

// Threshold returns the configured activation threshold.
func (p *Policy) Threshold() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threshold
}

// State returns the current state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Active reports whether backup mode is on.
func (p *Policy) Active() bool {
	return p.State() == Active
}

// Failures returns the current consecutive failure count.
func (p *Policy) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// EnteredAt returns when backup mode was entered. It is the zero time while
// the policy is Normal.
func (p *Policy) EnteredAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enteredAt
}

// OnSuccess records a successful read and resets the failure count.
func (p *Policy) OnSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Normal {
		p.failures = 0
	}
}

// OnFailure records a failed read. It returns true exactly once: on the
// failure that moves the policy from Normal to Active.
func (p *Policy) OnFailure() (entered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Active {
		return false
	}
	p.failures++
	if p.threshold > 0 && p.failures >= p.threshold {
		p.state = Active
		p.enteredAt = p.now()
		return true
	}
	return false
}

// Clear leaves backup mode and resets the failure count. The threshold is
// kept.
func (p *Policy) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Normal
	p.failures = 0
	p.enteredAt = time.Time{}
}

func (p *Policy) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now()
}
