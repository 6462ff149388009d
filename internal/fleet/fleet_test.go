package fleet

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

func init() {
	logger.Init(logger.ErrorLevel, "text", io.Discard)
	metrics.Init()
}

func newTestSimulator(t *testing.T, robots int) *Simulator {
	t.Helper()
	// Long tick interval keeps the background loop out of the way;
	// tests drive time via Tick directly.
	s := NewSimulator(&config.FleetConfig{
		Robots:       robots,
		TickInterval: time.Hour,
		DefaultSpeed: 1.0,
	})
	t.Cleanup(s.Close)
	return s
}

func TestSimulator_InitialFleet(t *testing.T) {
	s := newTestSimulator(t, 3)

	robots := s.List()
	if len(robots) != 3 {
		t.Fatalf("expected 3 robots, got %d", len(robots))
	}
	for _, r := range robots {
		if r.Status != StatusIdle {
			t.Errorf("robot %s: expected idle, got %s", r.ID, r.Status)
		}
		if r.Battery != 100 {
			t.Errorf("robot %s: expected full battery, got %f", r.ID, r.Battery)
		}
	}
}

func TestSimulator_MoveAdvancesTowardTarget(t *testing.T) {
	s := newTestSimulator(t, 1)

	if _, err := s.Move("robot-1", 10, 0, 1.0); err != nil {
		t.Fatalf("Move: %v", err)
	}

	s.Tick(1.0)

	r, _ := s.Get("robot-1")
	if r.Status != StatusMoving {
		t.Fatalf("expected moving, got %s", r.Status)
	}
	if math.Abs(r.X-1.0) > 1e-9 {
		t.Errorf("expected x=1.0 after 1s at speed 1, got %f", r.X)
	}
	if r.Battery >= 100 {
		t.Error("expected battery drain while moving")
	}
}

func TestSimulator_ArrivesAndStops(t *testing.T) {
	s := newTestSimulator(t, 1)

	start, _ := s.Get("robot-1")
	if _, err := s.Move("robot-1", start.X+2, start.Y, 1.0); err != nil {
		t.Fatalf("Move: %v", err)
	}

	s.Tick(5.0)

	r, _ := s.Get("robot-1")
	if r.Status != StatusIdle {
		t.Errorf("expected idle on arrival, got %s", r.Status)
	}
	if math.Abs(r.X-(start.X+2)) > 1e-9 || math.Abs(r.Y-start.Y) > 1e-9 {
		t.Errorf("expected robot at target, got (%f, %f)", r.X, r.Y)
	}
}

func TestSimulator_DiagonalMovementNormalized(t *testing.T) {
	s := newTestSimulator(t, 1)

	start, _ := s.Get("robot-1")
	if _, err := s.Move("robot-1", start.X+30, start.Y+40, 1.0); err != nil {
		t.Fatalf("Move: %v", err)
	}

	s.Tick(5.0)

	r, _ := s.Get("robot-1")
	travelled := math.Hypot(r.X-start.X, r.Y-start.Y)
	if math.Abs(travelled-5.0) > 1e-6 {
		t.Errorf("expected 5 units travelled after 5s at speed 1, got %f", travelled)
	}
}

func TestSimulator_StopHaltsRobot(t *testing.T) {
	s := newTestSimulator(t, 1)

	_, _ = s.Move("robot-1", 100, 0, 1.0)
	s.Tick(1.0)

	if _, err := s.Stop("robot-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	before, _ := s.Get("robot-1")
	s.Tick(5.0)
	after, _ := s.Get("robot-1")

	if after.Status != StatusIdle {
		t.Errorf("expected idle after stop, got %s", after.Status)
	}
	if after.X != before.X || after.Y != before.Y {
		t.Error("robot moved after stop")
	}
}

func TestSimulator_LowBatteryForcesCharging(t *testing.T) {
	s := newTestSimulator(t, 1)

	_, _ = s.Move("robot-1", 1e9, 0, 1.0)

	// 0.5%/s drain: 200s takes the battery to zero.
	for i := 0; i < 40; i++ {
		s.Tick(5.0)
	}

	r, _ := s.Get("robot-1")
	if r.Status != StatusCharging {
		t.Fatalf("expected charging at low battery, got %s", r.Status)
	}

	if _, err := s.Move("robot-1", 5, 5, 1.0); err == nil {
		t.Error("expected move rejected while charging")
	}

	// Charging at 2%/s recovers over time.
	for i := 0; i < 12; i++ {
		s.Tick(5.0)
	}
	r, _ = s.Get("robot-1")
	if r.Status != StatusIdle || r.Battery < 100 {
		t.Errorf("expected recharged idle robot, got status=%s battery=%f", r.Status, r.Battery)
	}
}

func TestCheckCommand(t *testing.T) {
	allowed := []string{"move", "stop", "patrol sector 7"}
	for _, cmd := range allowed {
		if err := CheckCommand(cmd); err != nil {
			t.Errorf("command %q: unexpected rejection: %v", cmd, err)
		}
	}

	blocked := []string{
		"self_destruct",
		"SELF_DESTRUCT now",
		"please override_guardian",
		"deploy weapon",
		"arm the explosive",
		"tase the intruder",
		"use pepper spray",
		"disable_sandbox",
	}
	for _, cmd := range blocked {
		if err := CheckCommand(cmd); err == nil {
			t.Errorf("command %q: expected rejection", cmd)
		}
	}
}

func newTestMux(t *testing.T) (*http.ServeMux, *Simulator) {
	t.Helper()
	s := newTestSimulator(t, 2)
	h := NewHandler(s)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/fleet/robots", h.List)
	mux.HandleFunc("GET /v1/fleet/robots/{id}", h.Get)
	mux.HandleFunc("POST /v1/fleet/robots/{id}/command", h.Command)
	return mux, s
}

func TestHandler_ListAndGet(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/fleet/robots", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var resp struct {
		Robots []Robot `json:"robots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(resp.Robots) != 2 {
		t.Errorf("expected 2 robots, got %d", len(resp.Robots))
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/fleet/robots/robot-1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/fleet/robots/robot-99", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get unknown: expected 404, got %d", rec.Code)
	}
}

func TestHandler_MoveCommand(t *testing.T) {
	mux, sim := newTestMux(t)

	body := `{"command":"move","target":{"x":3,"y":4}}`
	req := httptest.NewRequest("POST", "/v1/fleet/robots/robot-1/command", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	r, _ := sim.Get("robot-1")
	if r.Status != StatusMoving || r.TargetX != 3 || r.TargetY != 4 {
		t.Errorf("unexpected robot state after move: %+v", r)
	}
}

func TestHandler_CommandValidation(t *testing.T) {
	mux, _ := newTestMux(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"not json", "/v1/fleet/robots/robot-1/command", `nope`, http.StatusBadRequest, "invalid_request"},
		{"move without target", "/v1/fleet/robots/robot-1/command", `{"command":"move"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown command", "/v1/fleet/robots/robot-1/command", `{"command":"dance"}`, http.StatusBadRequest, "invalid_request"},
		{"banned term", "/v1/fleet/robots/robot-1/command", `{"command":"self_destruct"}`, http.StatusForbidden, "command_blocked"},
		{"unknown robot", "/v1/fleet/robots/robot-99/command", `{"command":"stop"}`, http.StatusNotFound, "robot_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("response is not JSON: %v", err)
			}
			if body["error"] != tt.wantCode {
				t.Errorf("expected error %q, got %q", tt.wantCode, body["error"])
			}
		})
	}
}
