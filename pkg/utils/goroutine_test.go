package utils

import (
	"fmt"
	"testing"
	"time"
)

// recordingTB captures failures instead of failing the real test
type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Logf(string, ...any) {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.failed = true
	r.TB.Log("captured: " + fmt.Sprintf(format, args...))
}

func TestGoroutineLeakDetector(t *testing.T) {
	t.Run("NoLeak", func(t *testing.T) {
		NewGoroutineLeakDetector(t).Run(func() {
			ch := make(chan struct{})
			go func() {
				ch <- struct{}{}
			}()
			<-ch
		})
	})

	t.Run("WaitsForSlowExit", func(t *testing.T) {
		detector := NewGoroutineLeakDetector(t)
		detector.Start()

		go time.Sleep(50 * time.Millisecond)

		detector.Check()
	})

	t.Run("DetectsLeak", func(t *testing.T) {
		rec := &recordingTB{TB: t}
		detector := NewGoroutineLeakDetector(rec).SetStabilizeDelay(50 * time.Millisecond)
		detector.Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		detector.Check()

		if !rec.failed {
			t.Error("Expected leak detector to fail but it didn't")
		}
	})

	t.Run("AllowedGrowth", func(t *testing.T) {
		rec := &recordingTB{TB: t}
		detector := NewGoroutineLeakDetector(rec).
			SetAllowedGrowth(1).
			SetStabilizeDelay(50 * time.Millisecond)
		detector.Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		detector.Check()

		if rec.failed {
			t.Error("One extra goroutine is within the allowed growth")
		}
	})
}
