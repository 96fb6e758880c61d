package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/procflow/internal/workflow"
)

// ErrBreakerOpen is returned while publishing is suspended.
var ErrBreakerOpen = errors.New("notification breaker is open")

// BreakerState represents the current state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every batch through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen drops every batch until the cool-down ends.
	BreakerOpen
	// BreakerHalfOpen lets batches through as trial requests.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive publish failures and stays open
// for a cool-down, so a dead broker does not slow down every action. It is
// safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and half-opens after cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a batch may be published.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
	}
	return nil
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure counts a failure. A failed trial reopens at once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
	return b.state
}

// GuardedNotifier publishes through next while the breaker allows it.
type GuardedNotifier struct {
	next    workflow.Notifier
	breaker *Breaker
}

// NewGuardedNotifier wraps next with breaker.
func NewGuardedNotifier(next workflow.Notifier, breaker *Breaker) *GuardedNotifier {
	return &GuardedNotifier{next: next, breaker: breaker}
}

// Notify implements workflow.Notifier.
func (g *GuardedNotifier) Notify(ctx context.Context, batch []workflow.Notification) error {
	if err := g.breaker.Allow(); err != nil {
		return fmt.Errorf("dropping %d notifications: %w", len(batch), err)
	}
	if err := g.next.Notify(ctx, batch); err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}
