package hostpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_Create(t *testing.T) {
	p := New(4)
	defer p.Close()

	if p.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", p.Workers())
	}
	if !p.Running() {
		t.Error("pool should be running after creation")
	}
}

func TestPool_CreateDefaultSize(t *testing.T) {
	tests := []struct {
		name    string
		workers int
	}{
		{"zero workers", 0},
		{"negative workers", -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.workers)
			defer p.Close()

			if want := runtime.GOMAXPROCS(0); p.Workers() != want {
				t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", p.Workers(), want)
			}
		})
	}
}

func TestPool_SubmitRunsEverything(t *testing.T) {
	p := New(4)

	var counter atomic.Int64
	var wg sync.WaitGroup
	const tasks = 200

	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		p.Submit(func() {
			counter.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	p.Close()

	if counter.Load() != tasks {
		t.Errorf("counter = %d, want %d", counter.Load(), tasks)
	}
}

func TestPool_SubmitNil(t *testing.T) {
	p := New(2)
	defer p.Close()

	// Must not panic or wedge a worker.
	p.Submit(nil)

	done := make(chan struct{})
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run after nil submission")
	}
}

func TestPool_CloseDrainsQueuedWork(t *testing.T) {
	p := New(1)

	var counter atomic.Int64
	block := make(chan struct{})

	// First task occupies the single worker so the rest stay queued.
	p.Submit(func() {
		<-block
		counter.Add(1)
	})
	for i := 0; i < 5; i++ {
		p.Submit(func() { counter.Add(1) })
	}

	close(block)
	p.Close()

	if counter.Load() != 6 {
		t.Errorf("counter after Close = %d, want 6", counter.Load())
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New(2)
	p.Close()

	if p.Running() {
		t.Error("pool should not be running after Close")
	}

	var ran atomic.Bool
	p.Submit(func() { ran.Store(true) })

	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Error("task ran after Close")
	}
}

func TestPool_CloseTwice(t *testing.T) {
	p := New(2)
	p.Close()
	p.Close() // must not panic
}

func TestPool_StealBalancesLoad(t *testing.T) {
	p := New(4)
	defer p.Close()

	// One slow task plus many fast ones; the fast ones must finish even
	// while a worker is stuck, which only happens if idle workers steal.
	slowDone := make(chan struct{})
	p.Submit(func() {
		time.Sleep(100 * time.Millisecond)
		close(slowDone)
	})

	var wg sync.WaitGroup
	const fast = 64
	wg.Add(fast)
	for i := 0; i < fast; i++ {
		p.Submit(func() { wg.Done() })
	}

	fastDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(fastDone)
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast tasks starved behind the slow one")
	}
	<-slowDone
}
