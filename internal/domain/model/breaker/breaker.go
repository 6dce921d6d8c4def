// Package breaker guards stage execution against systemic outages.
// One breaker exists per stage type and is shared across concurrent
// runs, so an outage in a collaborator (e.g. the vector store behind
// research) fails fast for every run instead of each retrying alone.
package breaker

import (
	"sync"
	"time"
)

// State of a circuit breaker
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Settings controls the rolling window and trip behavior
type Settings struct {
	WindowSize int           // number of invocations tracked
	MinSamples int           // outcomes required before the ratio is evaluated
	Threshold  float64       // failure ratio that trips the breaker
	Cooldown   time.Duration // open duration before a half_open trial
}

// DefaultSettings matches the documented policy: last 20 invocations,
// trip at 50% failures after 5 samples, 60s cooldown.
func DefaultSettings() Settings {
	return Settings{
		WindowSize: 20,
		MinSamples: 5,
		Threshold:  0.5,
		Cooldown:   60 * time.Second,
	}
}

// Breaker is a count-based rolling-window circuit breaker.
// All methods are safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	settings Settings
	window   []bool // true = failure
	state    State
	openedAt time.Time
	trial    bool // a half_open trial is in flight

	now func() time.Time // injectable clock
}

// New creates a closed breaker with the given settings
func New(settings Settings) *Breaker {
	if settings.WindowSize <= 0 {
		settings = DefaultSettings()
	}
	return &Breaker{
		settings: settings,
		state:    Closed,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewWithClock creates a breaker with an injectable clock for tests
func NewWithClock(settings Settings, now func() time.Time) *Breaker {
	b := New(settings)
	b.now = now
	return b
}

// State returns the current state, honoring cooldown expiry
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// OpenedAt returns when the breaker last opened
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// currentState lazily promotes open -> half_open after cooldown.
// Caller must hold b.mu.
func (b *Breaker) currentState() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.settings.Cooldown {
		b.state = HalfOpen
		b.trial = false
	}
	return b.state
}

// Allow reports whether a new invocation may start. In half_open
// exactly one trial is admitted; further callers are rejected until
// the trial reports its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case Closed:
		return true
	case HalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return false
	}
}

// RetryIn returns how long until the breaker will admit a trial.
// Zero means an invocation may start now.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState() != Open {
		return 0
	}
	remaining := b.settings.Cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess records a successful invocation. A success in
// half_open closes the breaker and clears the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState() == HalfOpen {
		b.state = Closed
		b.trial = false
		b.window = nil
		return
	}
	b.push(false)
}

// RecordFailure records a failed invocation. A failure in half_open
// reopens the breaker and resets the cooldown timer; in closed the
// rolling-window ratio decides whether to trip.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState() == HalfOpen {
		b.state = Open
		b.trial = false
		b.openedAt = b.now()
		return
	}

	b.push(true)
	if b.state == Closed && b.shouldTrip() {
		b.state = Open
		b.openedAt = b.now()
	}
}

// push appends an outcome to the rolling window. Caller holds b.mu.
func (b *Breaker) push(failure bool) {
	b.window = append(b.window, failure)
	if len(b.window) > b.settings.WindowSize {
		b.window = b.window[len(b.window)-b.settings.WindowSize:]
	}
}

// shouldTrip evaluates the failure ratio. Caller holds b.mu.
func (b *Breaker) shouldTrip() bool {
	if len(b.window) < b.settings.MinSamples {
		return false
	}
	failures := 0
	for _, f := range b.window {
		if f {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) >= b.settings.Threshold
}

// Registry holds one breaker per stage name, shared across runs
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*Breaker
}

// NewRegistry creates a registry with shared settings
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a stage name, creating it on first use
func (r *Registry) For(stageName string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[stageName]
	if !ok {
		b = New(r.settings)
		r.breakers[stageName] = b
	}
	return b
}
