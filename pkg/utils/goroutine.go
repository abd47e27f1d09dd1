// Package utils holds test helpers shared by the comet packages.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector fails a test whose goroutine count does not settle
// back to where it started. Pollers and long-poll handlers shut down
// asynchronously, so Check waits for the count to drop instead of sampling it
// once.
type GoroutineLeakDetector struct {
	tb             testing.TB
	initialCount   int
	allowedGrowth  int
	pollInterval   time.Duration
	stabilizeDelay time.Duration
}

// NewGoroutineLeakDetector creates a detector reporting to tb
func NewGoroutineLeakDetector(tb testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		tb:             tb,
		pollInterval:   10 * time.Millisecond,
		stabilizeDelay: time.Second,
	}
}

// Start records the baseline goroutine count
func (d *GoroutineLeakDetector) Start() {
	runtime.Gosched()
	d.initialCount = runtime.NumGoroutine()
	d.tb.Logf("Starting goroutine count: %d", d.initialCount)
}

// Check waits up to the stabilize delay for the goroutine count to return
// within the allowed growth, and fails the test otherwise
func (d *GoroutineLeakDetector) Check() {
	d.tb.Helper()

	deadline := time.Now().Add(d.stabilizeDelay)
	for {
		count := runtime.NumGoroutine()
		leaked := count - d.initialCount
		if leaked <= d.allowedGrowth {
			d.tb.Logf("No goroutine leak: started with %d, ended with %d", d.initialCount, count)
			return
		}
		if time.Now().After(deadline) {
			d.tb.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, allowed: %d)",
				d.initialCount, count, leaked, d.allowedGrowth)

			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			d.tb.Logf("Current goroutine stack traces:\n%s", buf[:n])
			return
		}
		time.Sleep(d.pollInterval)
	}
}

// Run wraps fn between Start and Check
func (d *GoroutineLeakDetector) Run(fn func()) {
	d.tb.Helper()
	d.Start()
	fn()
	d.Check()
}

// SetAllowedGrowth sets how many extra goroutines Check tolerates
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.stabilizeDelay = delay
	return d
}
