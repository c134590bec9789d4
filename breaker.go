package netpulse

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrCircuitOpen is returned by Transport.Do when the breaker rejects the
// call before any network I/O. Callers can distinguish "target down" from
// "breaker protecting us" with errors.Is / errors.Cause.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the breaker's position in its state machine.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerSettings configures a circuit breaker. Zero values fall back to the
// defaults used by NewConfig.
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 60 * time.Second
	}
	return s
}

// circuitBreaker guards one dependency. It is private to a single Transport
// instance; independent failure domains need independent Transports.
//
// Transitions: Closed -> Open after FailureThreshold consecutive failures;
// Open -> HalfOpen once OpenTimeout has elapsed since the last failure;
// HalfOpen -> Closed after SuccessThreshold consecutive successes;
// HalfOpen -> Open on any failure. There is no Closed -> HalfOpen and no
// Open -> Closed shortcut.
type circuitBreaker struct {
	mu sync.Mutex

	settings BreakerSettings

	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time // test hook
}

func newCircuitBreaker(settings BreakerSettings) *circuitBreaker {
	return &circuitBreaker{
		settings: settings.withDefaults(),
		state:    CircuitClosed,
		now:      time.Now,
	}
}

// allow reports whether a call may proceed. When the open timeout has elapsed
// it moves the breaker to half-open as a side effect.
func (cb *circuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}

	elapsed := cb.now().Sub(cb.lastFailureTime)
	if elapsed < cb.settings.OpenTimeout {
		return errors.Wrapf(ErrCircuitOpen, "retry in %.1fs", (cb.settings.OpenTimeout - elapsed).Seconds())
	}

	cb.state = CircuitHalfOpen
	cb.successCount = 0
	return nil
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.settings.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
		}
	case CircuitClosed:
		cb.failureCount = 0
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.failureCount = 0
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.settings.FailureThreshold {
			cb.state = CircuitOpen
		}
	}
}

// State returns the current position without mutating anything.
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
