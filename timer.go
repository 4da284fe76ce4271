package starling

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffCap bounds every computed retry delay.
const backoffCap = 30 * time.Second

// backoffJitter is the randomization factor applied to retry delays.
const backoffJitter = 0.1

// newRetryBackoff returns the retry delay policy for one queued request:
// exponential doubling from base with +/-10% jitter, capped at 30 seconds,
// never giving up on its own.
func newRetryBackoff(base time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = backoffJitter
	b.MaxInterval = backoffCap
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// A timerGroup owns every timer armed on behalf of one node, so that node
// shutdown releases them all. Timers fired or cancelled individually remove
// themselves from the group.
type timerGroup struct {
	mu      sync.Mutex
	next    int
	timers  map[int]*time.Timer
	stopped bool
}

func newTimerGroup() *timerGroup {
	return &timerGroup{timers: make(map[int]*time.Timer)}
}

// AfterFunc arms a timer that invokes f after d, and returns a cancel
// function. Cancel reports whether the timer was stopped before firing.
func (g *timerGroup) AfterFunc(d time.Duration, f func()) (cancel func() bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return func() bool { return false }
	}
	id := g.next
	g.next++
	t := time.AfterFunc(d, func() {
		g.mu.Lock()
		delete(g.timers, id)
		g.mu.Unlock()
		f()
	})
	g.timers[id] = t
	return func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		t, ok := g.timers[id]
		if !ok {
			return false
		}
		delete(g.timers, id)
		return t.Stop()
	}
}

// Stop cancels every outstanding timer and rejects new ones.
func (g *timerGroup) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
