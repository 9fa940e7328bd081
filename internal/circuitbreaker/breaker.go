// Package circuitbreaker fails calls to an unhealthy dependency fast
// instead of letting every request wait out its timeout.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned without calling through while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shijo",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state per dependency (0 closed, 1 open, 2 half-open).",
	}, []string{"dependency"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shijo",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected while the breaker was open.",
	}, []string{"dependency"})
)

func init() {
	prometheus.MustRegister(stateGauge, rejectedTotal)
}

// Breaker guards a single dependency. It opens after threshold consecutive
// failures, rejects calls for cooldown, then lets one probe through.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a breaker for the named dependency.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Do runs fn unless the circuit is open. Cancellation of the caller's
// context is not counted as a dependency failure.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		rejectedTotal.WithLabelValues(b.name).Inc()
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.success()
	case errors.Is(err, context.Canceled):
		b.release()
	default:
		b.failure()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setState(StateClosed)
}

// release returns a half-open probe slot without judging the dependency.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.openedAt = time.Time{}
		b.setState(StateOpen)
	}
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	b.state = to
	stateGauge.WithLabelValues(b.name).Set(float64(to))
}
