package domain

import "github.com/jonboulle/clockwork"

// clock is a package-level time source so tests can freeze time via SetClock.
// Components that need time take a clockwork.Clock; this default feeds them
// when none is injected.
var clock = clockwork.NewRealClock()

// SetClock swaps the default time source. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// Clock returns the current default time source.
func Clock() clockwork.Clock {
	return clock
}
