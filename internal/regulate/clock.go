// Package regulate paces a transport stream in real time. BitRateRegulator
// throttles to a target bitrate with a two-period bit-credit scheme;
// PCRRegulator replays the timing implied by the PCR values of a reference
// PID. Both block the calling goroutine inside their wait primitives and are
// meant to run on a dedicated pipeline goroutine.
package regulate

import "time"

// Clock is the monotonic time source used by the regulators. Deadlines are
// absolute so repeated sleeps do not accumulate drift.
type Clock interface {
	// Now returns the current monotonic time.
	Now() time.Time

	// SleepUntil blocks until the given absolute deadline. It returns
	// immediately when the deadline already passed.
	SleepUntil(deadline time.Time)

	// Precision requests a timer granularity and returns the best the
	// platform can actually deliver, never less than requested.
	Precision(target time.Duration) time.Duration
}

// SystemClock is the real-time Clock backed by the Go runtime timers.
type SystemClock struct{}

// Now returns the current time, carrying the runtime monotonic reading.
func (SystemClock) Now() time.Time { return time.Now() }

// SleepUntil blocks until the deadline.
func (SystemClock) SleepUntil(deadline time.Time) {
	if d := time.Until(deadline); d > 0 {
		time.Sleep(d)
	}
}

// Precision probes the effective timer granularity by measuring one sleep
// of the requested duration.
func (SystemClock) Precision(target time.Duration) time.Duration {
	if target <= 0 {
		target = time.Millisecond
	}
	start := time.Now()
	time.Sleep(target)
	got := time.Since(start)
	if got < target {
		got = target
	}
	return got
}
