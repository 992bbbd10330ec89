package reliability

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("session store unavailable")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// breaker opens after a run of consecutive failures and, once the cooldown
// has passed, admits a single trial call. The trial's outcome closes or
// re-opens it.
type breaker struct {
	clock     clock.Clock
	threshold int
	cooldown  time.Duration
	onChange  func(from, to breakerState)

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	trial    bool
}

func newBreaker(clk clock.Clock, threshold int, cooldown time.Duration, onChange func(from, to breakerState)) *breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &breaker{
		clock:     clk,
		threshold: threshold,
		cooldown:  cooldown,
		onChange:  onChange,
	}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.clock.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(breakerHalfOpen)
		b.trial = true
		return true
	case breakerHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return true
}

func (b *breaker) record(transient bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !transient {
		b.failures = 0
		b.trial = false
		b.transition(breakerClosed)
		return
	}

	b.failures++
	b.trial = false
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.clock.Now()
		b.transition(breakerOpen)
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *breaker) transition(to breakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == breakerClosed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
