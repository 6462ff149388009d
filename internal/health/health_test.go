package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lyralabs/companion-gateway/internal/circuitbreaker"
)

func healthyCheck(name string) Checker {
	return func() Check { return Check{Name: name, Status: StatusHealthy} }
}

func unhealthyCheck(name string) Checker {
	return func() Check { return Check{Name: name, Status: StatusUnhealthy, Error: "down"} }
}

func degradedCheck(name string) Checker {
	return func() Check { return Check{Name: name, Status: StatusDegraded} }
}

func TestCheck_Aggregation(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", map[string]Checker{"a": healthyCheck("a"), "b": healthyCheck("b")}, StatusHealthy},
		{"one degraded", map[string]Checker{"a": healthyCheck("a"), "b": degradedCheck("b")}, StatusDegraded},
		{"one unhealthy", map[string]Checker{"a": healthyCheck("a"), "b": unhealthyCheck("b")}, StatusUnhealthy},
		{"unhealthy beats degraded", map[string]Checker{"a": degradedCheck("a"), "b": unhealthyCheck("b")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			for name, checker := range tt.checkers {
				m.Register(name, checker)
			}

			if got := m.Check().Status; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestUnregister(t *testing.T) {
	m := NewManager()
	m.Register("a", unhealthyCheck("a"))
	m.Unregister("a")

	if got := m.Check().Status; got != StatusHealthy {
		t.Errorf("expected healthy after unregister, got %s", got)
	}
}

func TestLivenessHandler(t *testing.T) {
	m := NewManager()
	m.Register("a", unhealthyCheck("a"))

	rec := httptest.NewRecorder()
	m.LivenessHandler()(rec, httptest.NewRequest("GET", "/_health/live", nil))

	// Liveness ignores dependency checks.
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
	m := NewManager()
	m.Register("a", healthyCheck("a"))

	rec := httptest.NewRecorder()
	m.ReadinessHandler()(rec, httptest.NewRequest("GET", "/_health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 while healthy, got %d", rec.Code)
	}

	m.Register("b", unhealthyCheck("b"))
	rec = httptest.NewRecorder()
	m.ReadinessHandler()(rec, httptest.NewRequest("GET", "/_health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while unhealthy, got %d", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	m := NewManager()
	m.Register("a", unhealthyCheck("a"))

	rec := httptest.NewRecorder()
	m.HealthHandler()(rec, httptest.NewRequest("GET", "/_health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with detail, got %d", rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy status, got %s", resp.Status)
	}
	if resp.Checks["a"].Error != "down" {
		t.Errorf("expected check detail, got %+v", resp.Checks["a"])
	}
}

func TestRedisChecker(t *testing.T) {
	ok := RedisChecker(func(context.Context) error { return nil })()
	if ok.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", ok.Status)
	}

	bad := RedisChecker(func(context.Context) error { return errors.New("connection refused") })()
	if bad.Status != StatusUnhealthy || bad.Error == "" {
		t.Errorf("expected unhealthy with error, got %+v", bad)
	}
}

func TestBreakerChecker(t *testing.T) {
	state := circuitbreaker.StateClosed
	checker := BreakerChecker("chat-upstream", func() circuitbreaker.State { return state })

	if got := checker(); got.Status != StatusHealthy {
		t.Errorf("expected healthy while closed, got %s", got.Status)
	}

	state = circuitbreaker.StateOpen
	if got := checker(); got.Status != StatusDegraded {
		t.Errorf("expected degraded while open, got %s", got.Status)
	}
}

func TestRegistryChecker(t *testing.T) {
	size := 10
	checker := RegistryChecker(func() int { return size }, 100)

	if got := checker(); got.Status != StatusHealthy {
		t.Errorf("expected healthy under limit, got %s", got.Status)
	}

	size = 1000
	if got := checker(); got.Status != StatusDegraded {
		t.Errorf("expected degraded over limit, got %s", got.Status)
	}
}
