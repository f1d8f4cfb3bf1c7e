package util

import (
	"sync"
)

// Event is a one-shot notification that can be waited on by any number of
// goroutines. Used to observe loop shutdown without polling.
type Event struct {
	notified bool
	c        *sync.Cond
}

func NewEvent() *Event {
	return &Event{
		c: sync.NewCond(&sync.Mutex{}),
	}
}

// Notify fires the event. Subsequent calls are no-ops.
func (e *Event) Notify() {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	if !e.notified {
		e.notified = true
		e.c.Broadcast()
	}
}

// Wait blocks until the event has fired.
func (e *Event) Wait() {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	for !e.notified {
		e.c.Wait()
	}
}

func (e *Event) HasFired() bool {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	return e.notified
}
