package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsEverything(t *testing.T) {
	p := newPool(4)
	var count atomic.Int32
	for i := 0; i < 20; i++ {
		p.submit(func() { count.Add(1) })
	}
	p.wait()
	if got := count.Load(); got != 20 {
		t.Errorf("ran %d, want 20", got)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := newPool(3)
	var mu sync.Mutex
	inFlight, peak := 0, 0

	for i := 0; i < 12; i++ {
		p.submit(func() {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
		})
	}
	p.wait()

	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestPoolReleasesSlotOnPanic(t *testing.T) {
	p := newPool(1)

	p.submit(func() {
		defer func() { recover() }()
		panic("job exploded")
	})

	done := make(chan struct{})
	p.submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slot never released after panicking job")
	}
	p.wait()
}
