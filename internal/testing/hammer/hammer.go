// Package hammer runs a test body from many goroutines released at once, to surface races between calls into the
// same instance.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Hammer invokes a test concurrently in P goroutines N times per goroutine.
//
// Ex.
//
//	P, N := 8, 1000
//	if testing.Short() {
//		P, N = 4, 100
//	}
//	hammer.NewHammer(t, P, N).Run(func(p, n int) {
//		// p identifies the goroutine and n the iteration.
//	}, nil)
//	if t.Failed() {
//		return // At least one goroutine failed.
//	}
type Hammer interface {
	// Run calls test in P goroutines, each looping N times. onRunning, if not nil, is called once all goroutines
	// are started, but before any calls test.
	//
	// A panic in test, including a failed require assertion, fails the calling test instead of crashing it.
	Run(test func(p, n int), onRunning func())
}

// NewHammer returns a Hammer of P goroutines each running N iterations.
func NewHammer(t testing.TB, P, N int) Hammer {
	return &hammer{t: t, P: P, N: N}
}

type hammer struct {
	t    testing.TB
	P, N int
}

// Run implements Hammer.Run
func (h *hammer) Run(test func(p, n int), onRunning func()) {
	// Fewer cores than goroutines forces them to switch.
	procs := h.P / 2
	if procs < 1 {
		procs = 1
	}
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(procs))

	var started, done sync.WaitGroup
	release := make(chan struct{})
	started.Add(h.P)
	done.Add(h.P)
	for p := 0; p < h.P; p++ {
		go func(p int) {
			defer done.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					h.t.Errorf("goroutine %d: %v", p, recovered)
				}
			}()

			started.Done()
			<-release
			for n := 0; n < h.N; n++ {
				test(p, n)
			}
		}(p)
	}

	started.Wait()
	if onRunning != nil {
		onRunning()
	}
	close(release)
	done.Wait()
}
