// Package breaker provides the closed/open/half-open circuit breaker guarding each routing path.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// Config configures the circuit breaker behavior
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long the circuit stays open before a trial is allowed
	Cooldown time.Duration `yaml:"cooldown"`

	// OnStateChange is called outside the breaker lock after every transition
	OnStateChange func(name string, from, to types.BreakerState) `yaml:"-"`

	// Now overrides the clock in tests
	Now func() time.Time `yaml:"-"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Stats is a breaker snapshot
type Stats struct {
	Name            string             `json:"name"`
	State           types.BreakerState `json:"state"`
	Failures        int                `json:"consecutive_failures"`
	LastFailure     time.Time          `json:"last_failure,omitempty"`
	LastStateChange time.Time          `json:"last_state_change"`
}

// Breaker is a single source of truth per path. Transitions are serialized.
// A nil *Breaker allows everything, which is how a disabled breaker is expressed.
type Breaker struct {
	name   string
	config Config
	mu     sync.Mutex

	state           types.BreakerState
	failures        int
	trialInFlight   bool
	lastFailure     time.Time
	lastStateChange time.Time
}

type transition struct {
	from, to types.BreakerState
}

// New creates a closed breaker
func New(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Breaker{
		name:            name,
		config:          config,
		state:           types.BreakerClosed,
		lastStateChange: config.Now(),
	}
}

// Allow reports whether a request may be dispatched. An open breaker whose
// cooldown has elapsed moves to half-open and admits exactly one trial;
// everything else is rejected with ErrCircuitOpen until the trial reports.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	var changed *transition
	err := func() error {
		switch b.state {
		case types.BreakerClosed:
			return nil
		case types.BreakerOpen:
			if b.config.Now().Sub(b.lastStateChange) < b.config.Cooldown {
				return fmt.Errorf("%s breaker open: %w", b.name, types.ErrCircuitOpen)
			}
			changed = b.transitionLocked(types.BreakerHalfOpen)
			b.trialInFlight = true
			return nil
		default:
			if b.trialInFlight {
				return fmt.Errorf("%s breaker half-open, trial in flight: %w", b.name, types.ErrCircuitOpen)
			}
			b.trialInFlight = true
			return nil
		}
	}()
	b.mu.Unlock()

	b.notify(changed)
	return err
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}

	b.mu.Lock()
	b.failures = 0
	var changed *transition
	if b.state == types.BreakerHalfOpen {
		b.trialInFlight = false
		changed = b.transitionLocked(types.BreakerClosed)
	}
	b.mu.Unlock()

	b.notify(changed)
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}

	b.mu.Lock()
	b.failures++
	b.lastFailure = b.config.Now()
	var changed *transition
	switch b.state {
	case types.BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			changed = b.transitionLocked(types.BreakerOpen)
		}
	case types.BreakerHalfOpen:
		// Trial failed, reopen the circuit
		b.trialInFlight = false
		changed = b.transitionLocked(types.BreakerOpen)
	}
	b.mu.Unlock()

	b.notify(changed)
}

// Release gives back an admitted trial without recording an outcome, for
// requests abandoned by the caller
func (b *Breaker) Release() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// Ready reports whether Allow would admit a request right now, without
// changing state. An open breaker becomes ready once its cooldown elapsed.
func (b *Breaker) Ready() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerClosed:
		return true
	case types.BreakerOpen:
		return b.config.Now().Sub(b.lastStateChange) >= b.config.Cooldown
	default:
		return !b.trialInFlight
	}
}

// Trial runs check as the half-open trial when the breaker is not closed
// and admits one. It reports whether a trial ran.
func (b *Breaker) Trial(check func() error) bool {
	if b == nil || b.State() == types.BreakerClosed {
		return false
	}
	if err := b.Allow(); err != nil {
		return false
	}
	if err := check(); err != nil {
		b.RecordFailure()
		return true
	}
	b.RecordSuccess()
	return true
}

// State returns the current circuit state
func (b *Breaker) State() types.BreakerState {
	if b == nil {
		return types.BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns circuit breaker statistics
func (b *Breaker) Stats() Stats {
	if b == nil {
		return Stats{State: types.BreakerClosed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

// Reset forces the circuit closed
func (b *Breaker) Reset() {
	if b == nil {
		return
	}

	b.mu.Lock()
	b.failures = 0
	b.trialInFlight = false
	changed := b.transitionLocked(types.BreakerClosed)
	b.mu.Unlock()

	b.notify(changed)
}

func (b *Breaker) transitionLocked(to types.BreakerState) *transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.lastStateChange = b.config.Now()
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(t *transition) {
	if t == nil || b.config.OnStateChange == nil {
		return
	}
	b.config.OnStateChange(b.name, t.from, t.to)
}
