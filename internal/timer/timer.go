// Package timer tracks call duration, the free-trial countdown and accrued cost.
//
// Elapsed time is always derived from the wall clock, so a delayed or skipped
// tick never changes the billed duration.
package timer

import (
	"sync"
	"time"
)

// Defaults.
const (
	DefaultAllowance = 15 * time.Minute
	DefaultExtension = 15 * time.Minute
	DefaultInterval  = time.Second
)

// Options configures a Timer.
type Options struct {
	RatePerMinute float64
	Allowance     time.Duration
	Extension     time.Duration
	Interval      time.Duration
	Now           func() time.Time
	OnTick        func(Snapshot)
	OnExtend      func(Snapshot)
}

// Snapshot point in time view of a call timer.
type Snapshot struct {
	Elapsed       int     `json:"elapsed"`
	RemainingFree int     `json:"remainingFree"`
	Cost          float64 `json:"cost"`
	IsExtending   bool    `json:"isExtending"`
	Running       bool    `json:"running"`
}

// Timer call duration and cost accumulator.
type Timer struct {
	mu        sync.Mutex
	opts      Options
	boundary  time.Duration
	startedAt time.Time
	stoppedAt time.Time
	running   bool
	extending bool
	prompted  bool
	stop      chan struct{}
}

// New creates a stopped Timer.
func New(opts Options) *Timer {
	if opts.Allowance <= 0 {
		opts.Allowance = DefaultAllowance
	}
	if opts.Extension <= 0 {
		opts.Extension = DefaultExtension
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Timer{
		opts:     opts,
		boundary: opts.Allowance,
	}
}

// Start begins ticking. Calling Start on a started or stopped timer does nothing.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running || !t.startedAt.IsZero() {
		return
	}

	t.startedAt = t.opts.Now()
	t.running = true
	t.stop = make(chan struct{})
	go t.run(t.stop, t.opts.Interval)
}

// Stop freezes the duration and cancels ticking. Safe to call repeatedly.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	t.stoppedAt = t.opts.Now()
	t.running = false
	close(t.stop)
}

// Extend adds one extension block to the free countdown and clears the extend prompt.
// A late extension counts from the current elapsed time, so it always grants a full block.
// Billing keeps the allowance fixed at start, so accrued cost is never waived.
func (t *Timer) Extend() Snapshot {
	t.mu.Lock()
	elapsed := time.Duration(t.elapsed()) * time.Second
	if elapsed > t.boundary {
		t.boundary = elapsed
	}
	t.boundary += t.opts.Extension
	t.extending = false
	t.prompted = false
	snap, _ := t.refresh()
	t.mu.Unlock()

	return snap
}

// Snapshot returns the current timer view.
func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	snap, prompted := t.refresh()
	t.mu.Unlock()

	if prompted {
		t.notify(t.opts.OnExtend, snap)
	}

	return snap
}

// Duration elapsed whole seconds.
func (t *Timer) Duration() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.elapsed()
}

// FinalCost cost of the elapsed duration. Stable once the timer is stopped.
func (t *Timer) FinalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cost(t.elapsed())
}

// Running reports whether the timer is ticking.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.running
}

func (t *Timer) run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Timer) tick() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	snap, prompted := t.refresh()
	t.mu.Unlock()

	if prompted {
		t.notify(t.opts.OnExtend, snap)
	}
	t.notify(t.opts.OnTick, snap)
}

// refresh must be called with mu held.
func (t *Timer) refresh() (Snapshot, bool) {
	elapsed := t.elapsed()
	remaining := int(t.boundary.Seconds()) - elapsed
	if remaining < 0 {
		remaining = 0
	}

	prompted := false
	if remaining == 0 && t.running && !t.prompted {
		t.extending = true
		t.prompted = true
		prompted = true
	}

	return Snapshot{
		Elapsed:       elapsed,
		RemainingFree: remaining,
		Cost:          t.cost(elapsed),
		IsExtending:   t.extending,
		Running:       t.running,
	}, prompted
}

func (t *Timer) elapsed() int {
	if t.startedAt.IsZero() {
		return 0
	}

	end := t.stoppedAt
	if t.running {
		end = t.opts.Now()
	}

	d := end.Sub(t.startedAt)
	if d < 0 {
		return 0
	}

	return int(d / time.Second)
}

func (t *Timer) cost(elapsed int) float64 {
	return CalculateCost(elapsed, int(t.opts.Allowance.Seconds()), t.opts.RatePerMinute)
}

func (t *Timer) notify(fn func(Snapshot), snap Snapshot) {
	if fn != nil {
		fn(snap)
	}
}
