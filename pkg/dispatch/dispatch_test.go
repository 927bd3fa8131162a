package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := NewPool(Config{QueueSize: 10, Workers: 1})

	for i := 0; i < 5; i++ {
		if !p.Submit(func() {}) {
			t.Errorf("Submit(%d) returned false", i)
		}
	}
	if p.Pending() != 5 {
		t.Errorf("Pending() = %d, want 5", p.Pending())
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(Config{QueueSize: 2, Workers: 1})
	// Not started: the queue fills up.

	if !p.Submit(func() {}) {
		t.Error("Submit(1) should succeed")
	}
	if !p.Submit(func() {}) {
		t.Error("Submit(2) should succeed")
	}
	if p.Submit(func() {}) {
		t.Error("Submit(3) should fail (queue full)")
	}
	if p.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", p.Pending())
	}
}

func TestPool_NilTaskRejected(t *testing.T) {
	p := NewPool(DefaultConfig())
	if p.Submit(nil) {
		t.Error("Submit(nil) should fail")
	}
}

func TestPool_RunsTasks(t *testing.T) {
	p := NewPool(Config{Workers: 4, QueueSize: 100})
	p.Start()
	defer p.Stop(time.Second)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if !p.Submit(func() { n.Add(1); wg.Done() }) {
			t.Fatalf("Submit(%d) returned false", i)
		}
	}
	wg.Wait()

	if n.Load() != 50 {
		t.Errorf("ran %d tasks, want 50", n.Load())
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 100})

	var n atomic.Int32
	for i := 0; i < 20; i++ {
		p.Submit(func() { n.Add(1) })
	}
	p.Start()
	if !p.Stop(2 * time.Second) {
		t.Fatal("Stop() timed out")
	}
	if n.Load() != 20 {
		t.Errorf("drained %d tasks, want 20", n.Load())
	}
	if p.Submit(func() {}) {
		t.Error("Submit after Stop should fail")
	}
}

func TestPool_StopNotStarted(t *testing.T) {
	p := NewPool(DefaultConfig())
	if !p.Stop(time.Second) {
		t.Error("Stop() on unstarted pool should return true")
	}
	p.Start() // no-op after stop
	if p.Submit(func() {}) {
		t.Error("Submit after Stop should fail")
	}
}

func TestPool_DoubleStart(t *testing.T) {
	p := NewPool(DefaultConfig())
	p.Start()
	p.Start()
	p.Stop(time.Second)
	p.Stop(time.Second)
}

func TestPool_PanicRecovered(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 10})
	p.Start()
	defer p.Stop(time.Second)

	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}

	// The second task finished; wait for counters to settle.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, panicked := p.Stats(); panicked == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, completed, panicked := p.Stats()
	if panicked != 1 {
		t.Errorf("panicked = %d, want 1", panicked)
	}
	if completed < 1 {
		t.Errorf("completed = %d, want >= 1", completed)
	}
	if at, err := p.LastPanic(); err == nil || at.IsZero() {
		t.Error("LastPanic() should report the panic")
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.QueueSize != 1000 {
		t.Errorf("default QueueSize = %d, want 1000", cfg.QueueSize)
	}
	if cfg.Workers != 4 {
		t.Errorf("default Workers = %d, want 4", cfg.Workers)
	}

	p := NewPool(Config{Workers: -1})
	if p.Workers() != 4 {
		t.Errorf("Workers() = %d, want default 4", p.Workers())
	}
}

func TestLane_FIFO(t *testing.T) {
	l := NewLane()
	l.Start()
	defer l.Stop(time.Second)

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 1000; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 999 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lane did not deliver")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestLane_SingleGoroutine(t *testing.T) {
	l := NewLane()
	l.Start()
	defer l.Stop(time.Second)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				l.Post(func() {
					n := active.Add(1)
					if n > maxActive.Load() {
						maxActive.Store(n)
					}
					time.Sleep(100 * time.Microsecond)
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	l.Stop(5 * time.Second)

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent callbacks = %d, want 1", maxActive.Load())
	}
	if delivered, _ := l.Stats(); delivered != 200 {
		t.Errorf("delivered = %d, want 200", delivered)
	}
}

func TestLane_PostFromCallback(t *testing.T) {
	l := NewLane()
	l.Start()
	defer l.Stop(time.Second)

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post was not delivered")
	}
}

func TestLane_StopDrainsAndRejects(t *testing.T) {
	l := NewLane()
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		l.Post(func() { n.Add(1) })
	}
	l.Start()
	if !l.Stop(time.Second) {
		t.Fatal("Stop() timed out")
	}
	if n.Load() != 10 {
		t.Errorf("ran %d callbacks, want 10", n.Load())
	}
	if l.Post(func() {}) {
		t.Error("Post after Stop should fail")
	}
}

func TestLane_PanicRecovered(t *testing.T) {
	l := NewLane()
	l.Start()
	defer l.Stop(time.Second)

	done := make(chan struct{})
	l.Post(func() { panic("listener bug") })
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lane died after a panicking callback")
	}
}

type recordingLane struct {
	mu    sync.Mutex
	posts int
}

func (r *recordingLane) Post(fn func()) bool {
	r.mu.Lock()
	r.posts++
	r.mu.Unlock()
	go fn()
	return true
}

func TestDispatcher_WorkerThenLane(t *testing.T) {
	d := New(Config{Workers: 2, QueueSize: 10})
	d.Start()
	defer d.Stop(time.Second)

	done := make(chan struct{})
	ok := d.RunOnWorker(func() {
		d.RunOnDeliveryLane(func() { close(done) })
	})
	if !ok {
		t.Fatal("RunOnWorker returned false")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not executed")
	}

	if st := d.Stats(); st.Workers != 2 {
		t.Errorf("Stats().Workers = %d, want 2", st.Workers)
	}
}

func TestDispatcher_StopDeliversInFlight(t *testing.T) {
	d := New(Config{Workers: 1, QueueSize: 10})

	var delivered atomic.Int32
	for i := 0; i < 5; i++ {
		d.RunOnWorker(func() {
			d.RunOnDeliveryLane(func() { delivered.Add(1) })
		})
	}
	d.Start()
	if !d.Stop(2 * time.Second) {
		t.Fatal("Stop() timed out")
	}
	if delivered.Load() != 5 {
		t.Errorf("delivered = %d, want 5", delivered.Load())
	}
	if d.RunOnWorker(func() {}) {
		t.Error("RunOnWorker after Stop should fail")
	}
	d.RunOnDeliveryLane(func() { t.Error("callback ran after Stop") })
}

func TestDispatcher_WithLane(t *testing.T) {
	lane := &recordingLane{}
	d := New(DefaultConfig(), WithLane(lane))
	d.Start()
	defer d.Stop(time.Second)

	done := make(chan struct{})
	d.RunOnDeliveryLane(func() { close(done) })
	<-done

	lane.mu.Lock()
	defer lane.mu.Unlock()
	if lane.posts != 1 {
		t.Errorf("host lane posts = %d, want 1", lane.posts)
	}
}
