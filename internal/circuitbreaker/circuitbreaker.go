package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

// State represents the breaker state.
type State int

const (
	// StateClosed allows requests through.
	StateClosed State = iota
	// StateOpen blocks requests.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker refuses a request.
var ErrOpen = errors.New("circuit breaker is open")

// Config contains breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open before closing.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests caps concurrent probes in half-open.
	MaxRequests int
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
	}
}

// Breaker guards calls to a single upstream service.
type Breaker struct {
	name             string
	config           *Config
	state            State
	failures         int
	successes        int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int
	mu               sync.RWMutex
	logger           *logger.ComponentLogger
}

// New creates a breaker for the named upstream.
func New(name string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		logger:          logger.Get().WithComponent("circuitbreaker"),
	}
}

// Execute runs fn under breaker protection. It returns ErrOpen without
// calling fn when the breaker is refusing traffic.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastStateChange) >= b.config.Timeout {
			b.setState(StateHalfOpen)
			b.halfOpenRequests = 0
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		if b.halfOpenRequests >= b.config.MaxRequests {
			return ErrOpen
		}
		b.halfOpenRequests++
		return nil

	default:
		return ErrOpen
	}
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	b.successes = 0
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// Any failure while probing reopens the circuit.
		b.setState(StateOpen)
	}
}

func (b *Breaker) onSuccess() {
	b.successes++

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.halfOpenRequests = 0
		}
	}
}

func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()

	metrics.SetCircuitBreakerState(b.name, int(newState))

	b.logger.Info("circuit breaker state changed", logger.Fields{
		"name":      b.name,
		"old_state": oldState.String(),
		"new_state": newState.String(),
		"failures":  b.failures,
		"successes": b.successes,
	})
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats contains a snapshot of breaker counters.
type Stats struct {
	Name            string
	State           State
	Failures        int
	Successes       int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// GetStats returns a snapshot of the breaker's counters.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenRequests = 0
	b.lastStateChange = time.Now()

	b.logger.Info("circuit breaker reset", logger.Fields{"name": b.name})
}

// Manager holds one breaker per upstream service.
type Manager struct {
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewManager creates an empty breaker manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string, config *Config) *Breaker {
	m.mu.RLock()
	b, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, exists := m.breakers[name]; exists {
		return b
	}

	b = New(name, config)
	m.breakers[name] = b
	return b
}

// GetStats returns snapshots for every managed breaker.
func (m *Manager) GetStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.breakers))
	for _, b := range m.breakers {
		stats = append(stats, b.GetStats())
	}
	return stats
}

// Reset resets the named breaker.
func (m *Manager) Reset(name string) error {
	m.mu.RLock()
	b, exists := m.breakers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("circuit breaker not found: %s", name)
	}

	b.Reset()
	return nil
}
