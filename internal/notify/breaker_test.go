package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/procflow/internal/workflow"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(threshold, time.Minute)
	b.now = clock.now
	return b, clock
}

func TestBreaker_opensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_successResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreaker_halfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.RecordFailure()

	clock.advance(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cool-down = %v", err)
	}
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	// A failed trial reopens immediately.
	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() after failed trial = %v, want ErrBreakerOpen", err)
	}

	clock.advance(time.Minute)
	_ = b.Allow()
	b.RecordSuccess()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after successful trial = %v, want closed", s)
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (n *countingNotifier) Notify(context.Context, []workflow.Notification) error {
	n.calls++
	return n.err
}

func TestGuardedNotifier_stopsCallingDeadPublisher(t *testing.T) {
	next := &countingNotifier{err: errors.New("broker down")}
	b, clock := newTestBreaker(2)
	g := NewGuardedNotifier(next, b)
	batch := []workflow.Notification{{Kind: workflow.NotifyEventRecorded}}

	for range 2 {
		if err := g.Notify(t.Context(), batch); err == nil {
			t.Fatal("expected the publisher error")
		}
	}
	if err := g.Notify(t.Context(), batch); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Notify() = %v, want ErrBreakerOpen", err)
	}
	if next.calls != 2 {
		t.Errorf("publisher calls = %d, want 2", next.calls)
	}

	next.err = nil
	clock.advance(time.Minute)
	if err := g.Notify(t.Context(), batch); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}
