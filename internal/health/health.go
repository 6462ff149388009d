package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/lyralabs/companion-gateway/internal/circuitbreaker"
)

// Status represents a health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check is the result of one health check.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Response is the aggregate health report.
type Response struct {
	Status    Status           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Checker performs a single health check.
type Checker func() Check

// Manager runs registered health checks on demand.
type Manager struct {
	checks map[string]Checker
	mu     sync.RWMutex
}

// NewManager creates an empty health check manager.
func NewManager() *Manager {
	return &Manager{checks: make(map[string]Checker)}
}

// Register adds a named health check.
func (m *Manager) Register(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = checker
}

// Unregister removes a health check.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Check runs all registered checks. Any unhealthy check makes the
// overall status unhealthy; degraded checks degrade it.
func (m *Manager) Check() Response {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]Check)
	overall := StatusHealthy

	for name, checker := range m.checks {
		check := checker()
		checks[name] = check

		if check.Status == StatusUnhealthy {
			overall = StatusUnhealthy
		} else if check.Status == StatusDegraded && overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	return Response{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

// LivenessHandler reports whether the process is running. It never
// runs dependency checks.
func (m *Manager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusOK, Response{
			Status:    StatusHealthy,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler reports whether the service should receive traffic.
func (m *Manager) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := m.Check()

		status := http.StatusOK
		if response.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		writeResponse(w, status, response)
	}
}

// HealthHandler reports the full check detail, always with 200.
func (m *Manager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusOK, m.Check())
	}
}

func writeResponse(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// RedisChecker reports Redis connectivity via the given ping function.
func RedisChecker(ping func(ctx context.Context) error) Checker {
	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := ping(ctx); err != nil {
			return Check{Name: "redis", Status: StatusUnhealthy, Error: err.Error()}
		}
		return Check{Name: "redis", Status: StatusHealthy}
	}
}

// BreakerChecker reports degraded when the named upstream's circuit is
// not closed. An open breaker degrades rather than fails readiness so
// one bad upstream does not take the whole gateway out of rotation.
func BreakerChecker(name string, state func() circuitbreaker.State) Checker {
	return func() Check {
		if s := state(); s != circuitbreaker.StateClosed {
			return Check{
				Name:   name,
				Status: StatusDegraded,
				Error:  "circuit breaker is " + s.String(),
			}
		}
		return Check{Name: name, Status: StatusHealthy}
	}
}

// RegistryChecker watches the admission limiter registry size and
// reports degraded when it exceeds maxBuckets, which indicates the
// idle-eviction sweep is not keeping up.
func RegistryChecker(size func() int, maxBuckets int) Checker {
	return func() Check {
		if n := size(); maxBuckets > 0 && n > maxBuckets {
			return Check{
				Name:   "ratelimit",
				Status: StatusDegraded,
				Error:  "bucket registry unexpectedly large",
			}
		}
		return Check{Name: "ratelimit", Status: StatusHealthy}
	}
}
