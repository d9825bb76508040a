// Package dispatch fans a command event out across enabled plugins on a
// dedicated worker and reports the mutated event back to the owning kernel.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"

	"github.com/halcyonsky/murmur/conversation"
)

// Event is one command dispatch request: the triggering context, the parsed
// commands, a cooperative stop flag and the slot the workers aggregate
// results into. At most one dispatcher run is active per event.
type Event struct {
	ID       string
	Ctx      *conversation.Ctx
	Commands []conversation.Command

	stop atomic.Bool

	mu      sync.Mutex
	results []conversation.Result
}

// NewEvent builds an event for the given context and its parsed commands.
func NewEvent(c *conversation.Ctx, commands []conversation.Command) *Event {
	return &Event{
		ID:       shortuuid.New(),
		Ctx:      c,
		Commands: commands,
	}
}

// RequestStop sets the event's own stop flag.
func (e *Event) RequestStop() {
	e.stop.Store(true)
}

// Stopped reports whether this event has been asked to stop.
func (e *Event) Stopped() bool {
	return e.stop.Load()
}

// AddResult appends a plugin result. Partial results survive an aborted
// dispatch; they are never discarded.
func (e *Event) AddResult(r conversation.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, r)
}

// Results returns a copy of the aggregated results.
func (e *Event) Results() []conversation.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]conversation.Result, len(e.results))
	copy(out, e.results)
	return out
}
