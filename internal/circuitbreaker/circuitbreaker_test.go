package circuitbreaker

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

func init() {
	logger.Init(logger.ErrorLevel, "text", io.Discard)
	metrics.Init()
}

func testConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
		MaxRequests:      3,
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New("chat-upstream", nil)

	if b.GetState() != StateClosed {
		t.Errorf("expected initial state closed, got %s", b.GetState())
	}
	if b.config.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", b.config.FailureThreshold)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestExecute_Success(t *testing.T) {
	b := New("chat-upstream", testConfig())

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stats := b.GetStats()
	if stats.Successes != 1 || stats.Failures != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestExecute_FailurePropagates(t *testing.T) {
	b := New("chat-upstream", testConfig())
	wantErr := errors.New("upstream unavailable")

	if err := b.Execute(func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestBreakerOpens(t *testing.T) {
	b := New("chat-upstream", testConfig())
	fail := errors.New("upstream unavailable")

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return fail })
	}

	if b.GetState() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.GetState())
	}

	err := b.Execute(func() error {
		t.Error("function must not run while the breaker is open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerProbesAfterTimeout(t *testing.T) {
	b := New("chat-upstream", testConfig())
	fail := errors.New("upstream unavailable")

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return fail })
	}

	time.Sleep(150 * time.Millisecond)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to be allowed, got %v", err)
	}
	if b.GetState() != StateHalfOpen {
		t.Errorf("expected half-open, got %s", b.GetState())
	}
}

func TestBreakerCloses(t *testing.T) {
	b := New("chat-upstream", testConfig())
	fail := errors.New("upstream unavailable")

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return fail })
	}
	time.Sleep(150 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}

	if b.GetState() != StateClosed {
		t.Errorf("expected closed after successful probes, got %s", b.GetState())
	}
	if stats := b.GetStats(); stats.Failures != 0 {
		t.Errorf("expected failures reset, got %d", stats.Failures)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("chat-upstream", testConfig())
	fail := errors.New("upstream unavailable")

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return fail })
	}
	time.Sleep(150 * time.Millisecond)

	_ = b.Execute(func() error { return nil })
	if b.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.GetState())
	}

	_ = b.Execute(func() error { return fail })
	if b.GetState() != StateOpen {
		t.Errorf("expected reopen after probe failure, got %s", b.GetState())
	}
}

func TestReset(t *testing.T) {
	b := New("chat-upstream", testConfig())
	fail := errors.New("upstream unavailable")

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return fail })
	}
	if b.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", b.GetState())
	}

	b.Reset()

	if b.GetState() != StateClosed {
		t.Errorf("expected closed after reset, got %s", b.GetState())
	}
}

func TestConcurrentExecute(t *testing.T) {
	b := New("chat-upstream", &Config{
		FailureThreshold: 1000,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		MaxRequests:      50,
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(func() error { return nil })
		}()
	}
	wg.Wait()

	if stats := b.GetStats(); stats.Successes != 100 {
		t.Errorf("expected 100 successes, got %d", stats.Successes)
	}
}

func TestManagerGet(t *testing.T) {
	m := NewManager()
	cfg := testConfig()

	b1 := m.Get("agent-research", cfg)
	b2 := m.Get("agent-research", cfg)
	if b1 != b2 {
		t.Error("expected the same breaker instance for the same name")
	}

	b3 := m.Get("agent-coding", cfg)
	if b3 == b1 {
		t.Error("expected a distinct breaker per upstream")
	}

	if stats := m.GetStats(); len(stats) != 2 {
		t.Errorf("expected 2 breakers, got %d", len(stats))
	}
}

func TestManagerReset(t *testing.T) {
	m := NewManager()
	b := m.Get("agent-research", testConfig())

	fail := errors.New("upstream unavailable")
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return fail })
	}

	if err := m.Reset("agent-research"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if b.GetState() != StateClosed {
		t.Errorf("expected closed after reset, got %s", b.GetState())
	}

	if err := m.Reset("unknown"); err == nil {
		t.Error("expected error for unknown breaker")
	}
}

func TestManagerConcurrentGet(t *testing.T) {
	m := NewManager()
	cfg := DefaultConfig()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.Get(string(rune('a'+id%5)), cfg)
		}(i)
	}
	wg.Wait()

	if stats := m.GetStats(); len(stats) != 5 {
		t.Errorf("expected 5 breakers, got %d", len(stats))
	}
}
