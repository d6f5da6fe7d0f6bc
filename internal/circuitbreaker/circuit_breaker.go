package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's admission state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the breaker refuses all traffic.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrProbeLimit is returned when the half-open probe quota is spent.
	ErrProbeLimit = errors.New("too many requests in half-open state")
)

// Settings tunes one breaker. The zero value is unusable; start from
// DefaultSettings or one of the per-dependency presets.
type Settings struct {
	ProbeRequests    uint32        // Requests admitted while half-open
	Window           time.Duration // Counter reset window while closed
	CoolOff          time.Duration // Wait before probing open -> half-open
	FailureThreshold uint32        // Consecutive failures that open the breaker
	SuccessThreshold uint32        // Consecutive probe successes that close it
	OnStateChange    func(name string, from State, to State)
}

// DefaultSettings returns a conservative general-purpose tuning.
func DefaultSettings() Settings {
	return Settings{
		ProbeRequests:    3,
		Window:           60 * time.Second,
		CoolOff:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts is a snapshot of the breaker's statistics for the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards calls to an external dependency. While closed it counts
// consecutive failures; past the threshold it opens and fails fast, then
// probes with limited traffic after the cool-off.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger

	mu     sync.RWMutex
	state  State
	window uint64 // bumps on every state change and window reset
	counts Counts
	expiry time.Time
}

// New creates a breaker named for the dependency it guards.
func New(name string, settings Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:     name,
		settings: settings,
		logger:   logger,
		state:    StateClosed,
		expiry:   time.Now().Add(settings.Window),
	}
}

// Execute runs fn if the breaker admits the request. A panic inside fn is
// recorded as a failure and re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	window, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.settle(window, false)
			panic(r)
		}
	}()

	err = fn()
	b.settle(window, err == nil)
	return err
}

// State returns the breaker's current admission state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Counts returns a snapshot of the current window's statistics.
func (b *Breaker) Counts() Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts
}

// admit decides whether a request may proceed and stamps it with the window
// it belongs to.
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, window := b.advance(now)

	switch {
	case state == StateOpen:
		return window, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.ProbeRequests:
		return window, ErrProbeLimit
	}

	b.counts.Requests++
	return window, nil
}

// settle records the outcome of an admitted request. An outcome from a
// superseded window is discarded: the state change that closed that window
// already judged it.
func (b *Breaker) settle(window uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.advance(now)
	if current != window {
		return
	}

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.SuccessThreshold {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// One failed probe re-opens immediately.
		b.setState(StateOpen, now)
	}
}

// advance applies time-driven transitions (window expiry, cool-off elapsed)
// and returns the effective state and window. Callers hold b.mu.
func (b *Breaker) advance(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.resetWindow(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.window
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.resetWindow(now)

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
	b.logger.Info("circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) resetWindow(now time.Time) {
	b.window++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		if b.settings.Window == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.settings.Window)
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.CoolOff)
	default: // StateHalfOpen: no time-driven exit, probes decide.
		b.expiry = time.Time{}
	}
}
