package reader

import (
	"sync"
	"time"
)

// Clock abstracts the time operations the monitor depends on so presence
// polling can be tested without real delays.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// NewTicker creates a new ticker that will send on its channel
	// at intervals specified by the duration
	NewTicker(d time.Duration) Ticker
}

// Ticker is an interface for time.Ticker to enable testing
type Ticker interface {
	// C returns the channel on which ticks are delivered
	C() <-chan time.Time

	// Stop turns off the ticker
	Stop()
}

// RealClock implements Clock using actual time operations
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

func (rc *RealClock) Now() time.Time {
	return time.Now()
}

func (rc *RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

// realTicker wraps time.Ticker to implement Ticker interface
type realTicker struct {
	ticker *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time {
	return rt.ticker.C
}

func (rt *realTicker) Stop() {
	rt.ticker.Stop()
}

// FakeClock implements Clock for testing with controllable time
type FakeClock struct {
	mu      sync.RWMutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFakeClock creates a new FakeClock starting at the given time
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{
		now: startTime,
	}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.now
}

func (fc *FakeClock) NewTicker(d time.Duration) Ticker {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ft := &fakeTicker{
		interval: d,
		c:        make(chan time.Time, 1),
	}
	fc.tickers = append(fc.tickers, ft)
	return ft
}

// Advance moves the fake clock forward by the given duration
// and fires any tickers that should fire
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)

	for _, ticker := range fc.tickers {
		if !ticker.stopped {
			select {
			case ticker.c <- fc.now:
			default:
				// Channel full, skip
			}
		}
	}
}

// fakeTicker implements Ticker for testing
type fakeTicker struct {
	interval time.Duration
	c        chan time.Time
	stopped  bool
}

func (ft *fakeTicker) C() <-chan time.Time {
	return ft.c
}

func (ft *fakeTicker) Stop() {
	ft.stopped = true
}
