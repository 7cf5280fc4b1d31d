// Package breaker implements the panel-side circuit breaker: one
// CLOSED/OPEN/HALF_OPEN finite state machine per (node, operation-class)
// pair, isolating a failing node/class from the rest of the fleet.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the breaker is OPEN and not yet due
// for its HALF_OPEN probe. It is never retryable.
var ErrOpen = errors.New("breaker: circuit open")

// ErrHalfOpenSaturated is returned when HALF_OPEN already has
// Config.HalfOpenMaxCalls calls in flight.
var ErrHalfOpenSaturated = errors.New("breaker: half-open call limit reached")

// Config tunes one breaker instance, overridable per operation class via
// config.PanelConfig.ResolveBreakerClass.
type Config struct {
	FailureThreshold   int
	ErrorRateThreshold float64
	MonitoringWindow   time.Duration
	RecoveryTimeout    time.Duration
	HalfOpenMaxCalls   int
}

type callOutcome struct {
	at      time.Time
	success bool
}

// Breaker is one CLOSED/OPEN/HALF_OPEN state machine for a single (node,
// operation-class) pair. It is safe for concurrent use; the wrapped call is
// invoked outside the state lock so HALF_OPEN's concurrency cap is
// meaningful.
type Breaker struct {
	node  string
	class string
	cfg   Config
	log   *slog.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	stateChangedAt      time.Time
	halfOpenInFlight    int
	halfOpenSuccesses   int
	history             []callOutcome

	transitions   prometheus.Counter
	rejectedTotal prometheus.Counter
	stateGauge    prometheus.Gauge
}

// New constructs a Breaker in the CLOSED state for (node, class).
func New(node, class string, cfg Config, reg prometheus.Registerer, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	b := &Breaker{
		node:           node,
		class:          class,
		cfg:            cfg,
		log:            log,
		state:          Closed,
		stateChangedAt: time.Now(),
	}
	b.transitions = mustRegisterCounter(reg, prometheus.CounterOpts{
		Name:        "fleetd_breaker_transitions_total",
		Help:        "Circuit breaker state transitions.",
		ConstLabels: prometheus.Labels{"node": node, "class": class},
	})
	b.rejectedTotal = mustRegisterCounter(reg, prometheus.CounterOpts{
		Name:        "fleetd_breaker_rejected_total",
		Help:        "Calls rejected by an open or saturated circuit breaker.",
		ConstLabels: prometheus.Labels{"node": node, "class": class},
	})
	b.stateGauge = mustRegisterGauge(reg, prometheus.GaugeOpts{
		Name:        "fleetd_breaker_state",
		Help:        "Current breaker state: 0=closed 1=open 2=half_open.",
		ConstLabels: prometheus.Labels{"node": node, "class": class},
	})
	return b
}

func mustRegisterCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

func mustRegisterGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	if reg == nil {
		return g
	}
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker's gating policy. It returns
// ErrOpen/ErrHalfOpenSaturated without calling fn when the breaker is not
// willing to admit the call.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	admit, onDone, err := b.admit()
	if err != nil {
		b.rejectedTotal.Inc()
		return err
	}

	callErr := fn(ctx)
	onDone(admit, callErr == nil)
	return callErr
}

// admit decides whether a call may proceed, transitioning state as needed,
// and returns a closure to report the outcome once the call completes.
func (b *Breaker) admit() (wasHalfOpen bool, onDone func(wasHalfOpen, success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.stateChangedAt) < b.cfg.RecoveryTimeout {
			return false, nil, ErrOpen
		}
		b.transitionLocked(HalfOpen)
		b.halfOpenInFlight = 1
		return true, b.complete, nil

	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return false, nil, ErrHalfOpenSaturated
		}
		b.halfOpenInFlight++
		return true, b.complete, nil

	default: // Closed
		return false, b.complete, nil
	}
}

func (b *Breaker) complete(wasHalfOpen, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.history = append(b.history, callOutcome{at: now, success: success})
	b.pruneLocked(now)

	if wasHalfOpen {
		b.halfOpenInFlight--
		if !success {
			b.transitionLocked(Open)
			b.halfOpenSuccesses = 0
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.transitionLocked(Closed)
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
		}
		return
	}

	if success {
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.transitionLocked(Open)
		return
	}
	if rate, n := b.errorRateLocked(); n >= b.cfg.FailureThreshold && rate >= b.cfg.ErrorRateThreshold {
		b.transitionLocked(Open)
	}
}

// pruneLocked drops history entries older than the monitoring window;
// callers hold b.mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	i := 0
	for ; i < len(b.history); i++ {
		if b.history[i].at.After(cutoff) {
			break
		}
	}
	b.history = b.history[i:]
}

// errorRateLocked returns the fraction of failed calls within the
// monitoring window and the total call count; callers hold b.mu.
func (b *Breaker) errorRateLocked() (rate float64, n int) {
	n = len(b.history)
	if n == 0 {
		return 0, 0
	}
	failures := 0
	for _, c := range b.history {
		if !c.success {
			failures++
		}
	}
	return float64(failures) / float64(n), n
}

func (b *Breaker) transitionLocked(to State) {
	if to == b.state {
		return
	}
	from := b.state
	b.state = to
	b.stateChangedAt = time.Now()
	b.transitions.Inc()
	b.stateGauge.Set(float64(to))
	b.log.Info("circuit breaker transition",
		slog.String("node", b.node),
		slog.String("class", b.class),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// Reset forces the breaker back to CLOSED with all counters cleared. Used
// by the node client on Stop.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed)
	b.consecutiveFailures = 0
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	b.history = nil
}
