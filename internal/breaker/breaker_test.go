package breaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("store", cfg)
	b.now = clk.Now
	return b, clk
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := range 3 {
		if b.GetState() != Closed {
			t.Fatalf("expected CLOSED before failure %d, got %s", i+1, b.GetState())
		}
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("expected wrapped call error, got %v", err)
		}
	}
	if b.GetState() != Open {
		t.Fatalf("expected OPEN, got %s", b.GetState())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("open breaker must not invoke the function")
	}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)

	if b.GetState() != Closed {
		t.Fatalf("expected CLOSED, got %s", b.GetState())
	}
}

func TestForceOpenRejectsWithName(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	b.ForceState(Open)

	err := b.Execute(context.Background(), succeed)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(err.Error(), "store") {
		t.Errorf("expected breaker name in %q", err.Error())
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Name != "store" {
		t.Errorf("expected *OpenError naming store, got %v", err)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	if b.GetState() != Open {
		t.Fatalf("expected OPEN, got %s", b.GetState())
	}

	clk.Advance(9 * time.Second)
	if b.GetState() != Open {
		t.Fatal("expected OPEN before timeout")
	}
	clk.Advance(time.Second)
	if b.GetState() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after timeout, got %s", b.GetState())
	}

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatal(err)
	}
	if b.GetState() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after one success, got %s", b.GetState())
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatal(err)
	}
	if b.GetState() != Closed {
		t.Fatalf("expected CLOSED, got %s", b.GetState())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, Timeout: 10 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clk.Advance(10 * time.Second)
	_ = b.Execute(ctx, fail)

	if b.GetState() != Open {
		t.Fatalf("expected OPEN, got %s", b.GetState())
	}
	// timeout clock restarted
	clk.Advance(5 * time.Second)
	if b.GetState() != Open {
		t.Fatal("expected OPEN until a full timeout elapses again")
	}
}

func TestHalfOpenLimit(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second, HalfOpenLimit: 1})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clk.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := b.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected trial limit rejection, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestPanicCountsAsFailure(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, HalfOpenLimit: 1})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clk.Advance(time.Second)

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Fatalf("expected panic to propagate, got %v", r)
			}
		}()
		_ = b.Execute(ctx, func(context.Context) error { panic("kaboom") })
	}()

	if s := b.GetState(); s != Open {
		t.Fatalf("expected panic in half-open to reopen, got %s", s)
	}
	if m := b.GetMetrics(); m.Failures != 2 {
		t.Errorf("expected 2 failures, got %d", m.Failures)
	}

	clk.Advance(time.Second)
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("expected trial slot to be free again, got %v", err)
	}
	if s := b.GetState(); s != Closed {
		t.Fatalf("expected closed, got %s", s)
	}
}

func TestMetricsAndStateChange(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	var changes []string
	b.OnStateChange(func(name string, from, to State) {
		changes = append(changes, name+":"+from.String()+"->"+to.String())
	})
	ctx := context.Background()

	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)

	m := b.GetMetrics()
	if m.TotalRequests != 2 || m.Successes != 1 || m.Failures != 1 || m.Rejected != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if m.State != "OPEN" {
		t.Errorf("expected OPEN, got %s", m.State)
	}
	if len(changes) != 1 || changes[0] != "store:CLOSED->OPEN" {
		t.Errorf("unexpected transitions: %v", changes)
	}
}

func TestCall(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	v, err := Call(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d, %v", v, err)
	}
}

func TestSet(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1}, nil)
	a := s.Get("analysis")
	if s.Get("analysis") != a {
		t.Fatal("expected same breaker for same name")
	}
	s.Get("messaging")
	_ = a.Execute(context.Background(), fail)

	ms := s.Metrics()
	if len(ms) != 2 || ms[0].Name != "analysis" || ms[0].State != "OPEN" {
		t.Fatalf("unexpected metrics: %+v", ms)
	}
}
