// Package globaltime is the process clock. Time-dependent code reads it so a
// test can pin the current instant.
package globaltime

import (
	"sync/atomic"
	"time"
)

var pinned atomic.Pointer[time.Time]

// UTC returns the current instant in UTC, or the pinned instant if one is set.
func UTC() time.Time {
	if t := pinned.Load(); t != nil {
		return *t
	}
	return time.Now().UTC()
}

// WindowStart returns the inclusive lower bound of a lookback window ending now.
func WindowStart(lookback time.Duration) time.Time {
	return UTC().Add(-lookback)
}

// Pin freezes the clock at t until the returned function is called.
func Pin(t time.Time) (restore func()) {
	utc := t.UTC()
	previous := pinned.Swap(&utc)
	return func() { pinned.Store(previous) }
}
