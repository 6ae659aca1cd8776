package engine

import (
	"time"

	"github.com/alexjbarnes/notesync/internal/clock"
)

// DefaultDebounce is the quiet period after the last edit before the
// buffer is flushed.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer is a single restartable timer. Arm cancels any pending timer
// and starts a new one; the fire callback receives the sequence number of
// the arming, and the owner confirms it with Accept so that a timer which
// fired concurrently with Cancel or a re-arm is dropped.
//
// Debouncer is not safe for concurrent use. Only the fire callback runs
// on the clock's goroutine, and it touches nothing but its seq argument.
type Debouncer struct {
	clock    clock.Clock
	delay    time.Duration
	fire     func(seq uint64)
	timer    clock.Timer
	seq      uint64
	deadline time.Time
}

// NewDebouncer returns an idle Debouncer.
func NewDebouncer(c clock.Clock, delay time.Duration, fire func(seq uint64)) *Debouncer {
	return &Debouncer{clock: c, delay: delay, fire: fire}
}

// Arm (re)starts the timer.
func (d *Debouncer) Arm() {
	d.Cancel()

	d.seq++
	seq := d.seq
	d.deadline = d.clock.Now().Add(d.delay)
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(seq) })
}

// Cancel stops the pending timer, if any. Safe to call when idle.
func (d *Debouncer) Cancel() {
	if d.timer == nil {
		return
	}

	d.timer.Stop()
	d.timer = nil
}

// Accept reports whether seq belongs to the currently pending timer and,
// if so, returns the Debouncer to idle.
func (d *Debouncer) Accept(seq uint64) bool {
	if d.timer == nil || seq != d.seq {
		return false
	}

	d.timer = nil

	return true
}

// Pending reports whether a timer is armed.
func (d *Debouncer) Pending() bool {
	return d.timer != nil
}

// Deadline returns when the pending timer fires.
func (d *Debouncer) Deadline() (time.Time, bool) {
	if d.timer == nil {
		return time.Time{}, false
	}

	return d.deadline, true
}
