package gpustream

import (
	"context"
	"sync"
)

// closedChan is shared by every zero Event so Done never returns nil.
var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Event is the completion handle for one submitted operation. Engines hand
// one back from every submission and complete it when the device-side work
// finishes; the dependency graph stores it and feeds it into later
// wait-lists.
//
// Event is a small value wrapping shared state: copies are cheap and all
// refer to the same completion. The zero Event is already completed with a
// nil error.
type Event struct {
	s *eventState
}

type eventState struct {
	once sync.Once
	done chan struct{}

	// err is written once, before done closes, and read only after.
	err error
}

// NewEvent returns a pending event. It is completed exactly once by
// Complete; further calls are no-ops.
func NewEvent() Event {
	return Event{s: &eventState{done: make(chan struct{})}}
}

// Complete marks the operation finished with err as its outcome. Only the
// first call has any effect. Completing the zero Event is a no-op.
func (e Event) Complete(err error) {
	if e.s == nil {
		return
	}
	e.s.once.Do(func() {
		e.s.err = err
		close(e.s.done)
	})
}

// Done returns a channel that is closed when the operation finishes.
func (e Event) Done() <-chan struct{} {
	if e.s == nil {
		return closedChan
	}
	return e.s.done
}

// Completed reports whether the operation has finished.
func (e Event) Completed() bool {
	select {
	case <-e.Done():
		return true
	default:
		return false
	}
}

// Err returns the operation's outcome: nil while still pending or on
// success, the completion error otherwise.
func (e Event) Err() error {
	if e.s == nil {
		return nil
	}
	select {
	case <-e.s.done:
		return e.s.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx is done, returning the
// operation's error or the context's.
func (e Event) Wait(ctx context.Context) error {
	if e.s == nil {
		return nil
	}
	select {
	case <-e.s.done:
		return e.s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll blocks until every event has finished or ctx is done. It returns
// the first operation error encountered in slice order, after all events
// completed, or the context's error as soon as ctx is done.
func WaitAll(ctx context.Context, events []Event) error {
	var first error
	for _, ev := range events {
		err := ev.Wait(ctx)
		if err != nil && ctx.Err() != nil {
			return err
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}
