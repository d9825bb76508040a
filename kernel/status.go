// Package kernel is the composition root of the conversation core: it owns
// the busy/halt/status state, sequences a user turn through the streaming
// pipeline and command dispatch, and publishes state to the UI sink.
package kernel

import "sync"

// Status is one published snapshot of kernel state.
type Status struct {
	Busy       bool
	StatusText string
	LastErr    error
}

// Sink receives kernel state and output updates. The kernel publishes to it
// and depends on nothing about its implementation; a slow sink must not
// block the kernel (implementations buffer or drop).
type Sink interface {
	PublishStatus(Status)
	PublishOutput(pid, text string, final bool)
}

// NopSink discards all updates.
type NopSink struct{}

func (NopSink) PublishStatus(Status)              {}
func (NopSink) PublishOutput(string, string, bool) {}

// Controller holds the shared busy/halt/status flags behind transition
// methods and a snapshot getter, so the three concurrency domains never
// share ad hoc booleans. Every transition publishes to the sink.
type Controller struct {
	mu         sync.Mutex
	busy       bool
	halt       bool
	statusText string
	lastErr    error
	sink       Sink
}

// NewController creates a controller publishing to sink; a nil sink
// discards updates.
func NewController(sink Sink) *Controller {
	if sink == nil {
		sink = NopSink{}
	}
	return &Controller{sink: sink}
}

// MarkBusy enters the busy state and clears any previous halt and error.
func (c *Controller) MarkBusy() {
	c.mu.Lock()
	c.busy = true
	c.halt = false
	c.lastErr = nil
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.PublishStatus(snap)
}

// MarkIdle leaves the busy state and clears transient status text.
func (c *Controller) MarkIdle() {
	c.mu.Lock()
	c.busy = false
	c.statusText = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.PublishStatus(snap)
}

// SetStatusText publishes a transient status note ("executing commands").
func (c *Controller) SetStatusText(text string) {
	c.mu.Lock()
	c.statusText = text
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.PublishStatus(snap)
}

// SetError records a hard error surfaced to the UI.
func (c *Controller) SetError(err error) {
	c.mu.Lock()
	c.lastErr = err
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.PublishStatus(snap)
}

// RequestHalt sets the cooperative halt flag observed between stream chunks
// and reply cycles.
func (c *Controller) RequestHalt() {
	c.mu.Lock()
	c.halt = true
	c.mu.Unlock()
}

// HaltRequested reports the cooperative halt flag.
func (c *Controller) HaltRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halt
}

// Busy reports whether a turn is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Snapshot returns the current state for thread-safe reads.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Status {
	return Status{Busy: c.busy, StatusText: c.statusText, LastErr: c.lastErr}
}
