// Package timer implements the timer wheel of §4.5/§4.6: a list of named
// timers, scanned once per loop iteration to compute the soonest deadline
// (used as the poll timeout) and to fire whatever is due.
//
// Grounded on the original server.c main loop's timers_get_soonest /
// timers_apply calls, which bracket every poll() with exactly this
// soonest-deadline / fire-due-timers pair.
package timer

import (
	"time"

	"kadnode/event"
)

// Timer is a named, possibly-periodic deadline. Firing it enqueues Event
// onto the event queue passed to FireDue.
type Timer struct {
	Name   string
	Period time.Duration
	Next   time.Time
	Once   bool
	Event  event.Event

	detached bool
}

// Wheel is a flat, scanned list of timers. With the small timer counts
// this node needs (bootstrap pings, periodic refresh, eviction pings) a
// sorted structure buys nothing; a linear scan per iteration is exactly
// what the original design does.
type Wheel struct {
	timers []*Timer
}

func NewWheel() *Wheel {
	return &Wheel{}
}

// Add registers a new timer.
func (w *Wheel) Add(t *Timer) {
	w.timers = append(w.timers, t)
}

// Len reports the number of live timers.
func (w *Wheel) Len() int { return len(w.timers) }

// SoonestDeadline returns the poll timeout to use: the time until the
// earliest timer's next deadline, clamped to zero (never negative). If
// there are no timers it returns fallback.
func (w *Wheel) SoonestDeadline(now time.Time, fallback time.Duration) time.Duration {
	if len(w.timers) == 0 {
		return fallback
	}
	soonest := w.timers[0].Next
	for _, t := range w.timers[1:] {
		if t.Next.Before(soonest) {
			soonest = t.Next
		}
	}
	d := soonest.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// FireDue fires every timer whose deadline has passed: once timers are
// detached (removed) after firing; periodic timers have their deadline
// advanced by Period. Each fired timer's Event is pushed onto q. Returns
// the names fired, for logging/tests.
func (w *Wheel) FireDue(now time.Time, q *event.Queue) []string {
	var fired []string
	live := w.timers[:0]
	for _, t := range w.timers {
		if now.Before(t.Next) {
			live = append(live, t)
			continue
		}
		fired = append(fired, t.Name)
		q.Push(t.Event)
		if t.Once {
			t.detached = true
			continue
		}
		t.Next = t.Next.Add(t.Period)
		live = append(live, t)
	}
	w.timers = live
	return fired
}
