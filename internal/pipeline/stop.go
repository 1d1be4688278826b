package pipeline

import "sync/atomic"

// StopFlag is the process-wide cooperative cancellation signal. It is set at
// most once (the signal handler and the lifetime stage race for it) and never
// cleared; every long-running loop re-checks it on a bounded interval.
type StopFlag struct {
	flag atomic.Bool
}

// Set flips the flag and reports whether this call was the first to do so.
// Redundant sets are no-ops.
func (f *StopFlag) Set() bool {
	return f.flag.CompareAndSwap(false, true)
}

func (f *StopFlag) IsSet() bool {
	return f.flag.Load()
}
