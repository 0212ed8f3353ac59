// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when the
// test calls Advance or Set. Tickers and AfterFunc timers fire
// synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	interval time.Duration // zero for one-shot timers
	fire     func(at time.Time)
	stopped  bool
}

// NewFake returns a Fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d, firing any tickers and
// timers whose deadlines fall within the window, in deadline order.
// Callbacks run synchronously on the caller's goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		next := f.nextDueLocked(target)
		if next == nil {
			break
		}
		f.now = next.deadline
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.stopped = true
		}
		fire, at := next.fire, f.now
		f.mu.Unlock()
		fire(at)
		f.mu.Lock()
	}
	f.now = target
	f.mu.Unlock()
}

// nextDueLocked returns the unstopped waiter with the earliest deadline
// at or before target, or nil if none is due.
func (f *Fake) nextDueLocked(target time.Time) *fakeWaiter {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	f.waiters = live
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	if len(f.waiters) == 0 || f.waiters[0].deadline.After(target) {
		return nil
	}
	return f.waiters[0]
}

// NewTicker returns a ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		interval: d,
		fire: func(at time.Time) {
			select {
			case ch <- at:
			default: // consumer behind, drop the tick
			}
		},
	}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	return &Ticker{
		C: ch,
		stopFunc: func() {
			f.mu.Lock()
			w.stopped = true
			f.mu.Unlock()
		},
	}
}

// AfterFunc schedules f to run when Advance moves past the deadline.
// The callback runs synchronously inside Advance.
func (f *Fake) AfterFunc(d time.Duration, callback func()) *Timer {
	f.mu.Lock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		fire:     func(time.Time) { callback() },
	}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			wasLive := !w.stopped
			w.stopped = true
			return wasLive
		},
	}
}
