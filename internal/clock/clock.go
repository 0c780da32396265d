// Package clock abstracts the time operations used by the recording scheduler,
// the clock sync loop and the upload workers so they can run against a fake
// clock in tests.
package clock

import "time"

// Clock is the subset of the time package the device runtime relies on.
type Clock interface {
	Now() time.Time

	// After behaves like time.After. If d <= 0 the channel fires at once.
	After(d time.Duration) <-chan time.Time

	// AfterFunc behaves like time.AfterFunc. The callback runs on its own
	// goroutine for the real clock and synchronously inside Advance for the
	// fake one.
	AfterFunc(d time.Duration, f func()) *Timer

	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the timer. It reports false if the timer already fired or was
// stopped before.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers ticks on C. Ticks are dropped if the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}
