package tiernet

// scheduler.go puts a small callback-oriented face on the evt event manager.
// Endpoints schedule plain closures and keep the returned handle so that they
// can ask whether a send is still pending, or cancel it at teardown.
//
// The evt event list does not offer removal of an already scheduled event, so
// cancellation is done by marking the handle; when the underlying event comes
// up the handle is checked and a cancelled (or halted) event does nothing.

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Scheduler is the virtual-clock service every endpoint and the network run on
type Scheduler interface {
	Schedule(delay float64, fn func()) *EventHandle
	Cancel(h *EventHandle)
	IsPending(h *EventHandle) bool
	Now() float64
}

// EventHandle identifies one scheduled callback
type EventHandle struct {
	At        float64 // virtual time (seconds) the callback is due
	fn        func()
	pending   bool
	cancelled bool
}

// Cancelled reports whether the handle was cancelled before it fired
func (h *EventHandle) Cancelled() bool {
	return h != nil && h.cancelled
}

// EvtScheduler implements Scheduler over an evtm.EventManager
type EvtScheduler struct {
	evtMgr *evtm.EventManager

	halted bool
	err    error

	// number of callbacks scheduled and fired, for run summaries
	scheduled int
	fired     int
}

// CreateEvtScheduler is a constructor
func CreateEvtScheduler() *EvtScheduler {
	es := new(EvtScheduler)
	es.evtMgr = evtm.New()
	return es
}

// EventManager exposes the underlying evt event manager
func (es *EvtScheduler) EventManager() *evtm.EventManager {
	return es.evtMgr
}

// Schedule arranges for fn to be called delay seconds from now.
// Negative delays are treated as zero.
func (es *EvtScheduler) Schedule(delay float64, fn func()) *EventHandle {
	if delay < 0 {
		delay = 0
	}
	h := &EventHandle{At: es.Now() + delay, fn: fn, pending: true}
	es.scheduled += 1
	es.evtMgr.Schedule(es, h, fireHandle, vrtime.SecondsToTime(delay))
	return h
}

// fireHandle is the evt event handler behind every scheduled closure
func fireHandle(evtMgr *evtm.EventManager, context any, data any) any {
	es := context.(*EvtScheduler)
	h := data.(*EventHandle)

	if !h.pending {
		return nil
	}
	h.pending = false
	if es.halted {
		return nil
	}
	es.fired += 1
	h.fn()
	return nil
}

// Cancel stops a pending callback from running.  Cancelling a fired or
// already cancelled handle is a no-op.
func (es *EvtScheduler) Cancel(h *EventHandle) {
	if h == nil || !h.pending {
		return
	}
	h.pending = false
	h.cancelled = true
}

// IsPending is true while the callback is scheduled and has neither fired nor been cancelled
func (es *EvtScheduler) IsPending(h *EventHandle) bool {
	return h != nil && h.pending
}

// Now returns the current virtual time in seconds
func (es *EvtScheduler) Now() float64 {
	return es.evtMgr.CurrentSeconds()
}

// Halt stops every later callback from running.  The first error passed
// is remembered and returned by Run.
func (es *EvtScheduler) Halt(err error) {
	es.halted = true
	if es.err == nil {
		es.err = err
	}
}

// Halted reports whether Halt has been called
func (es *EvtScheduler) Halted() bool {
	return es.halted
}

// Run executes events in time order up to the horizon (seconds)
func (es *EvtScheduler) Run(horizon float64) error {
	es.evtMgr.Run(horizon)
	return es.err
}

// Counts returns the number of callbacks scheduled and the number that ran
func (es *EvtScheduler) Counts() (int, int) {
	return es.scheduled, es.fired
}
