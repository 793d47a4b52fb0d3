package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Timers, tickers and After channels fire
// only from Advance, in deadline order, on the caller's goroutine.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	seq     uint64
	waiters []*waiter
}

type waiter struct {
	id       uint64
	deadline time.Time
	period   time.Duration
	ch       chan time.Time
	fn       func()
	stopped  bool
}

// NewFake constructs a fake clock initialised to start, or the Unix epoch when zero.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	f := &Fake{now: start}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives once the clock advances by d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	w := &waiter{ch: make(chan time.Time, 1)}
	f.register(w, d)
	return w.ch
}

// NewTicker returns a ticker firing every d of fake time.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	w := &waiter{ch: make(chan time.Time, 1), period: d}
	f.register(w, d)
	return &fakeTicker{clock: f, w: w}
}

// AfterFunc runs fn once the clock advances by d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	w := &waiter{fn: fn}
	f.register(w, d)
	return &fakeTimer{clock: f, w: w}
}

// Advance moves the clock forward by d, firing everything that falls due.
// Callbacks registered while firing are honoured if they fall due before the
// new time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	for {
		f.mu.Lock()
		w := f.nextDueLocked(target)
		if w == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = w.deadline
		now := f.now
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			f.removeLocked(w)
		}
		f.mu.Unlock()

		if w.fn != nil {
			w.fn()
			continue
		}
		select {
		case w.ch <- now:
		default:
		}
	}
}

// Pending returns the remaining duration of every armed timer, sorted ascending.
func (f *Fake) Pending() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, 0, len(f.waiters))
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		out = append(out, w.deadline.Sub(f.now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BlockUntil waits until at least n timers are armed.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.cond.Wait()
	}
}

func (f *Fake) register(w *waiter, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	w.id = f.seq
	w.deadline = f.now.Add(d)
	f.waiters = append(f.waiters, w)
	f.cond.Broadcast()
}

func (f *Fake) nextDueLocked(target time.Time) *waiter {
	var next *waiter
	for _, w := range f.waiters {
		if w.stopped || w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) || (w.deadline.Equal(next.deadline) && w.id < next.id) {
			next = w
		}
	}
	return next
}

func (f *Fake) removeLocked(target *waiter) {
	for i, w := range f.waiters {
		if w == target {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

func (f *Fake) activeLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (f *Fake) stop(w *waiter) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.stopped {
		return false
	}
	for _, candidate := range f.waiters {
		if candidate == w {
			w.stopped = true
			f.removeLocked(w)
			return true
		}
	}
	return false
}

type fakeTicker struct {
	clock *Fake
	w     *waiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }
func (t *fakeTicker) Stop()               { t.clock.stop(t.w) }

type fakeTimer struct {
	clock *Fake
	w     *waiter
}

func (t *fakeTimer) Stop() bool { return t.clock.stop(t.w) }
