package room

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Countdown ticks once per second from a start value down to zero.
type Countdown struct {
	clock    clock.Clock
	onTick   func(remaining int)
	onExpire func()

	mu        sync.Mutex
	remaining int
	run       *countdownRun
}

type countdownRun struct {
	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// NewCountdown creates a stopped countdown. onTick and onExpire run on the
// countdown goroutine. onExpire may call Start or Stop; onTick must not.
func NewCountdown(clk clock.Clock, onTick func(int), onExpire func()) *Countdown {
	if clk == nil {
		clk = clock.New()
	}
	return &Countdown{clock: clk, onTick: onTick, onExpire: onExpire}
}

// Start resets the countdown to seconds and starts ticking. A running
// countdown is stopped first.
func (c *Countdown) Start(seconds int) {
	if seconds < 0 {
		seconds = 0
	}

	c.mu.Lock()
	old := c.run
	c.run = nil
	c.remaining = seconds
	if seconds > 0 {
		r := &countdownRun{
			ticker: c.clock.Ticker(time.Second),
			stop:   make(chan struct{}),
			done:   make(chan struct{}),
		}
		c.run = r
		go c.loop(r)
	}
	c.mu.Unlock()

	old.halt()
}

// Stop cancels the ticker and waits for the countdown goroutine. The
// remaining value is kept.
func (c *Countdown) Stop() {
	c.mu.Lock()
	old := c.run
	c.run = nil
	c.mu.Unlock()

	old.halt()
}

func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

func (c *Countdown) loop(r *countdownRun) {
	defer close(r.done)
	defer r.ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C:
			if c.tick(r) {
				return
			}
		}
	}
}

// tick reports whether the countdown reached zero.
func (c *Countdown) tick(r *countdownRun) bool {
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return false
	}
	c.remaining--
	remaining := c.remaining
	expired := remaining <= 0
	if expired {
		c.remaining = 0
		remaining = 0
		// Detached before the callbacks so onExpire can restart or stop.
		c.run = nil
	}
	c.mu.Unlock()

	if c.onTick != nil {
		c.onTick(remaining)
	}
	if expired && c.onExpire != nil {
		c.onExpire()
	}
	return expired
}

func (r *countdownRun) halt() {
	if r == nil {
		return
	}
	close(r.stop)
	<-r.done
}
