package simulation

import (
	"context"
	"sync/atomic"
	"time"
)

// TickFunc resolves one tick of world state for the given timestep.
type TickFunc func(tick time.Duration)

// Loop drives the engine's tick resolution at a fixed rate, catching up on
// missed ticks after a stall instead of skipping them.
type Loop struct {
	tick     time.Duration
	tickFunc TickFunc
	ticker   *time.Ticker
	done     chan struct{}
	stop     chan struct{}
	stalled  uint64
}

// NewLoop builds a Loop targeting targetHz ticks per second, defaulting to
// 60Hz for a non-positive rate.
func NewLoop(targetHz float64, fn TickFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if fn == nil {
		fn = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{
		tick:     interval,
		tickFunc: fn,
	}
}

// Start runs the loop in a background goroutine until ctx is cancelled or
// Stop is called.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.tickFunc == nil {
		return
	}

	l.ticker = time.NewTicker(l.tick)
	l.done = make(chan struct{})
	stop := make(chan struct{})
	l.stop = stop
	go func() {
		defer close(l.done)
		defer l.ticker.Stop()
		last := time.Now()
		carry := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-l.ticker.C:
				// A stalled goroutine schedule must still resolve every
				// missed tick in order, never skip ahead.
				carry += now.Sub(last)
				last = now
				ran := 0
				for carry >= l.tick {
					l.tickFunc(l.tick)
					carry -= l.tick
					ran++
				}
				if ran > 1 {
					atomic.AddUint64(&l.stalled, uint64(ran-1))
				}
			}
		}
	}()
}

// Stop halts the background goroutine and blocks until it has exited.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// TickInterval reports the loop's configured timestep.
func (l *Loop) TickInterval() time.Duration {
	if l == nil {
		return 0
	}
	return l.tick
}

// StalledTicks reports how many ticks have been resolved as catch-up work
// after the goroutine's schedule fell behind by more than one tick, so an
// operator watching /metrics can see when the world is falling behind its
// configured rate rather than only noticing from agent-side lag reports.
func (l *Loop) StalledTicks() uint64 {
	if l == nil {
		return 0
	}
	return atomic.LoadUint64(&l.stalled)
}
