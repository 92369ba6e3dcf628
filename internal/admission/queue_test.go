package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gate is a payload that blocks until released and records start order.
type gate struct {
	mu      sync.Mutex
	started []string
	release map[string]chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func newGate() *gate { return &gate{release: map[string]chan struct{}{}} }

func (g *gate) work(name string) Work {
	g.mu.Lock()
	ch := make(chan struct{})
	g.release[name] = ch
	g.mu.Unlock()
	return func(ctx context.Context) error {
		n := g.running.Add(1)
		for {
			p := g.peak.Load()
			if n <= p || g.peak.CompareAndSwap(p, n) {
				break
			}
		}
		g.mu.Lock()
		g.started = append(g.started, name)
		g.mu.Unlock()
		<-ch
		g.running.Add(-1)
		return nil
	}
}

func (g *gate) open(name string) {
	g.mu.Lock()
	ch := g.release[name]
	g.mu.Unlock()
	close(ch)
}

func (g *gate) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func mustSubmit(t *testing.T, q *Queue, w Work, p Priority) *Handle {
	t.Helper()
	h, err := q.Submit(context.Background(), w, p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return h
}

func TestCapacityTwoThreeRequests(t *testing.T) {
	t.Parallel()

	q, err := New("search", 2)
	if err != nil {
		t.Fatal(err)
	}
	g := newGate()
	h1 := mustSubmit(t, q, g.work("a"), Normal)
	mustSubmit(t, q, g.work("b"), Normal)
	h3 := mustSubmit(t, q, g.work("c"), Normal)

	waitFor(t, func() bool { return len(g.order()) == 2 })
	if st := q.Status(); st.InFlight != 2 || st.Waiting != 1 {
		t.Fatalf("status = %+v, want 2 in flight and 1 waiting", st)
	}

	g.open("a")
	if err := h1.Wait(context.Background()); err != nil {
		t.Fatalf("h1: %v", err)
	}
	waitFor(t, func() bool { return len(g.order()) == 3 })
	if got := g.order()[2]; got != "c" {
		t.Fatalf("third started = %q, want c", got)
	}
	g.open("b")
	g.open("c")
	if err := h3.Wait(context.Background()); err != nil {
		t.Fatalf("h3: %v", err)
	}
	if h3.QueueDelay() <= 0 {
		t.Fatalf("QueueDelay = %v, want > 0", h3.QueueDelay())
	}
}

func TestInFlightNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	const k = 3
	q, err := New("bounded", k)
	if err != nil {
		t.Fatal(err)
	}
	var running, peak atomic.Int32
	var hs []*Handle
	for i := 0; i < 40; i++ {
		hs = append(hs, mustSubmit(t, q, func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if st := q.Status(); st.InFlight > k {
				t.Errorf("InFlight = %d > %d", st.InFlight, k)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return nil
		}, Priority(i%3-1)))
	}
	for _, h := range hs {
		if err := h.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if p := peak.Load(); p > k {
		t.Fatalf("peak concurrency = %d, want <= %d", p, k)
	}
	if st := q.Status(); st.Admitted != 40 || st.Completed != 40 || st.InFlight != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestHighJumpsWaitingNormals(t *testing.T) {
	t.Parallel()

	q, _ := New("prio", 1)
	g := newGate()
	mustSubmit(t, q, g.work("blocker"), Normal)
	waitFor(t, func() bool { return len(g.order()) == 1 })

	for _, n := range []string{"n1", "n2", "n3"} {
		mustSubmit(t, q, g.work(n), Normal)
	}
	mustSubmit(t, q, g.work("low"), Low)
	mustSubmit(t, q, g.work("h1"), High)
	mustSubmit(t, q, g.work("h2"), High)

	for _, name := range []string{"blocker", "h1", "h2", "n1", "n2", "n3", "low"} {
		before := len(g.order())
		g.open(name)
		if name == "low" {
			break
		}
		waitFor(t, func() bool { return len(g.order()) == before+1 })
	}

	want := []string{"blocker", "h1", "h2", "n1", "n2", "n3", "low"}
	got := g.order()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("start order = %v, want %v", got, want)
		}
	}
}

func TestDrainClearsOnlyWaiting(t *testing.T) {
	t.Parallel()

	q, _ := New("drain", 1)
	g := newGate()
	running := mustSubmit(t, q, g.work("running"), Normal)
	waitFor(t, func() bool { return len(g.order()) == 1 })
	w1 := mustSubmit(t, q, g.work("w1"), Normal)
	w2 := mustSubmit(t, q, g.work("w2"), High)

	if n := q.Drain(); n != 2 {
		t.Fatalf("Drain = %d, want 2", n)
	}
	for _, h := range []*Handle{w1, w2} {
		if err := h.Wait(context.Background()); !errors.Is(err, ErrQueueCleared) {
			t.Fatalf("waiting handle err = %v, want ErrQueueCleared", err)
		}
		if h.QueueDelay() != 0 {
			t.Fatalf("cleared request reports queue delay %v", h.QueueDelay())
		}
	}
	select {
	case <-running.Done():
		t.Fatal("in-flight work resolved by Drain")
	default:
	}
	g.open("running")
	if err := running.Wait(context.Background()); err != nil {
		t.Fatalf("running: %v", err)
	}
	if st := q.Status(); st.Cleared != 2 || st.Completed != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestCancelledSubmitLeavesQueue(t *testing.T) {
	t.Parallel()

	q, _ := New("cancel", 1)
	g := newGate()
	mustSubmit(t, q, g.work("blocker"), Normal)
	waitFor(t, func() bool { return len(g.order()) == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	h, err := q.Submit(ctx, g.work("never"), Normal)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := h.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if st := q.Status(); st.Waiting != 0 {
		t.Fatalf("Waiting = %d after cancel", st.Waiting)
	}
	g.open("blocker")
}

func TestPayloadErrorsAndPanics(t *testing.T) {
	t.Parallel()

	q, _ := New("errs", 2)
	boom := errors.New("boom")
	h1 := mustSubmit(t, q, func(context.Context) error { return boom }, Normal)
	h2 := mustSubmit(t, q, func(context.Context) error { panic("bad payload") }, Normal)

	if err := h1.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("h1 err = %v", err)
	}
	if err := h2.Wait(context.Background()); err == nil {
		t.Fatal("panic did not become an error")
	}
	waitFor(t, func() bool { return q.Status().Failed == 2 })
}

func TestSetCapacityAdmitsWaiting(t *testing.T) {
	t.Parallel()

	q, _ := New("grow", 1)
	g := newGate()
	for _, n := range []string{"a", "b", "c"} {
		mustSubmit(t, q, g.work(n), Normal)
	}
	waitFor(t, func() bool { return len(g.order()) == 1 })

	if err := q.SetCapacity(0); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("SetCapacity(0) = %v", err)
	}
	if err := q.SetCapacity(3); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(g.order()) == 3 })
	for _, n := range []string{"a", "b", "c"} {
		g.open(n)
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	t.Parallel()

	q, _ := New("close", 1)
	h := mustSubmit(t, q, func(context.Context) error { return nil }, Normal)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := q.Submit(ctx, func(context.Context) error { return nil }, Normal); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Close = %v, want ErrStopped", err)
	}
	if _, err := q.Submit(ctx, nil, Normal); err == nil {
		t.Fatal("nil work accepted")
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Priority{"": Normal, "LOW": Low, "normal": Normal, " high ": High} {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}
