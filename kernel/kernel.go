package kernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/halcyonsky/murmur/conversation"
	"github.com/halcyonsky/murmur/dispatch"
	"github.com/halcyonsky/murmur/stream"
)

// ErrBusy is returned by Send while a previous turn is still in flight.
var ErrBusy = errors.New("kernel: turn already in flight")

// StreamProvider produces the model stream for one turn. All three channels
// are closed when the stream ends; implementations must honor ctx
// cancellation so the kernel can abandon a halted stream without leaking
// the producer goroutine.
type StreamProvider interface {
	Stream(ctx context.Context, input string, history []*conversation.Ctx) (<-chan stream.Chunk, <-chan *conversation.TurnStats, <-chan error)
}

// CommandParser extracts structured commands from finished model output.
// A nil slice means plain prose.
type CommandParser interface {
	Parse(output string) []conversation.Command
}

// Metrics is the optional instrumentation hook; the prometheus exporter
// implements it.
type Metrics interface {
	CountChunk()
	CountFlush()
	CountDispatch(ok bool)
	ObserveTurn(d time.Duration)
	SetBusy(busy bool)
}

// Config tunes kernel behavior.
type Config struct {
	// PID identifies the output surface buffers are keyed by.
	PID string
	// ReplyLimit caps kernel-generated follow-up turns per Send call,
	// breaking command/reply feedback loops. Zero means the default.
	ReplyLimit int
	// DispatchTimeout bounds the wait for a command cycle to complete.
	// Zero means the default.
	DispatchTimeout time.Duration
}

const (
	defaultReplyLimit      = 4
	defaultDispatchTimeout = 5 * time.Minute
)

// Kernel wires the streaming pipeline, the output buffer, the command
// dispatcher and the store into one turn cycle. One Kernel serves one
// conversation surface; Send runs at most one turn at a time.
type Kernel struct {
	cfg      Config
	ctrl     *Controller
	provider StreamProvider
	parser   CommandParser
	disp     *dispatch.Dispatcher
	store    conversation.Store
	sink     Sink
	metrics  Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	buf       *conversation.PidBuffer
	reply     *ReplyContext
	toolCalls []stream.ToolCall
	sendMu    sync.Mutex
}

// New creates a kernel. store, parser, metrics and sink may be nil; the
// dispatcher may be nil when the surface has no plugins.
func New(cfg Config, ctrl *Controller, provider StreamProvider, parser CommandParser, disp *dispatch.Dispatcher, store conversation.Store, sink Sink, m Metrics, logger *slog.Logger) *Kernel {
	if cfg.PID == "" {
		cfg.PID = "main"
	}
	if cfg.ReplyLimit <= 0 {
		cfg.ReplyLimit = defaultReplyLimit
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		cfg:      cfg,
		ctrl:     ctrl,
		provider: provider,
		parser:   parser,
		disp:     disp,
		store:    store,
		sink:     sink,
		metrics:  m,
		logger:   logger.With("component", "kernel"),
	}
}

// Controller exposes the shared state controller.
func (k *Kernel) Controller() *Controller { return k.ctrl }

// Buffer returns the surface output buffer, creating it on first use.
func (k *Kernel) Buffer(metaID string) *conversation.PidBuffer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf == nil {
		k.buf = conversation.NewPidBuffer(k.cfg.PID, metaID)
	}
	return k.buf
}

// QueueReply stages a follow-up turn. Plugins call this during dispatch;
// the kernel consumes the staged reply exactly once after the cycle ends.
// A second call before consumption overwrites the first.
func (k *Kernel) QueueReply(r *ReplyContext) {
	k.mu.Lock()
	k.reply = r
	k.mu.Unlock()
}

func (k *Kernel) takeReply() *ReplyContext {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := k.reply
	k.reply = nil
	return r
}

// ToolCalls returns the tool calls accumulated by the most recent stream.
func (k *Kernel) ToolCalls() []stream.ToolCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]stream.ToolCall, len(k.toolCalls))
	copy(out, k.toolCalls)
	return out
}

func (k *Kernel) setToolCalls(calls []stream.ToolCall) {
	k.mu.Lock()
	k.toolCalls = calls
	k.mu.Unlock()
}

// Stop requests a cooperative halt of the running turn: the stream is
// abandoned between chunks and the dispatcher stops before its next
// plugin. Results accumulated so far are kept.
func (k *Kernel) Stop() {
	k.ctrl.RequestHalt()
	if k.disp != nil {
		k.disp.RequestStop()
	}
}

// Send runs one full turn: stream the model reply into the buffer, parse
// and dispatch commands, then run any staged follow-up turns. It returns
// the last completed turn context. A concurrent Send returns ErrBusy.
func (k *Kernel) Send(ctx context.Context, metaID, input string) (*conversation.Ctx, error) {
	if !k.sendMu.TryLock() {
		return nil, ErrBusy
	}
	defer k.sendMu.Unlock()

	started := time.Now()
	k.ctrl.MarkBusy()
	if k.metrics != nil {
		k.metrics.SetBusy(true)
	}
	if k.disp != nil {
		k.disp.ClearStop()
	}
	defer func() {
		if k.metrics != nil {
			k.metrics.ObserveTurn(time.Since(started))
			k.metrics.SetBusy(false)
		}
		k.ctrl.MarkIdle()
	}()

	var last *conversation.Ctx
	internal := false
	for step := 0; ; step++ {
		c, err := k.runCycle(ctx, metaID, input, internal)
		if err != nil {
			k.ctrl.SetError(err)
			return last, err
		}
		last = c
		reply := k.takeReply()
		if reply == nil || k.ctrl.HaltRequested() {
			return last, nil
		}
		if step >= k.cfg.ReplyLimit {
			k.logger.Warn("reply limit reached, dropping follow-up", "type", reply.Type.String(), "limit", k.cfg.ReplyLimit)
			return last, nil
		}
		k.logger.Debug("running follow-up turn", "type", reply.Type.String(), "step", step+1)
		input = reply.Input
		internal = reply.Internal()
	}
}

// runCycle executes a single stream + dispatch pass.
func (k *Kernel) runCycle(ctx context.Context, metaID, input string, internal bool) (*conversation.Ctx, error) {
	c := conversation.NewCtx(metaID, input)
	if internal {
		c.MarkInternal()
	}

	var history []*conversation.Ctx
	if k.store != nil {
		var err error
		history, err = k.store.LoadHistory(ctx, metaID)
		if err != nil {
			k.logger.Warn("history load failed, continuing without context", "meta_id", metaID, "error", err)
			history = nil
		}
	}

	buf := k.Buffer(metaID)
	buf.Reset("")
	buf.SetCommandBlock(false)

	if err := k.consumeStream(ctx, c, buf, input, history); err != nil {
		return nil, err
	}

	c.Output = buf.Read()
	k.persist(ctx, c)

	if err := k.runCommands(ctx, c, buf); err != nil {
		return nil, err
	}
	k.persist(ctx, c)
	return c, nil
}

// consumeStream drains the provider channels, classifying chunks into the
// buffer with throttled partial flushes and one mandatory final flush.
func (k *Kernel) consumeStream(ctx context.Context, c *conversation.Ctx, buf *conversation.PidBuffer, input string, history []*conversation.Ctx) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, stats, errs := k.provider.Stream(streamCtx, input, history)
	state := stream.NewState()

	for ch := range chunks {
		if k.ctrl.HaltRequested() {
			cancel()
			for range chunks {
			}
			break
		}
		delta, hasText, _ := stream.Classify(state, ch)
		if k.metrics != nil {
			k.metrics.CountChunk()
		}
		if !hasText {
			continue
		}
		buf.Append(delta)
		if buf.ShouldFlush() {
			k.sink.PublishOutput(buf.PID, buf.Read(), false)
			if k.metrics != nil {
				k.metrics.CountFlush()
			}
		}
	}

	var streamErr error
	for stats != nil || errs != nil {
		select {
		case st, ok := <-stats:
			if !ok {
				stats = nil
				continue
			}
			c.ApplyStats(st)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				streamErr = err
			}
		case <-ctx.Done():
			stats, errs = nil, nil
			streamErr = ctx.Err()
		}
	}

	// Final flush is unconditional so the surface always sees the complete
	// text even when the throttle suppressed the tail.
	k.sink.PublishOutput(buf.PID, buf.Read(), true)
	buf.MarkFlushed()
	if k.metrics != nil {
		k.metrics.CountFlush()
	}

	if streamErr != nil && !k.ctrl.HaltRequested() {
		return errors.Wrap(streamErr, "stream turn")
	}
	k.setToolCalls(state.ToolCalls())
	return nil
}

// runCommands parses the finished output and, when commands are present,
// runs one dispatch cycle and merges the results into the turn context.
func (k *Kernel) runCommands(ctx context.Context, c *conversation.Ctx, buf *conversation.PidBuffer) error {
	if k.parser == nil || k.disp == nil || k.ctrl.HaltRequested() {
		return nil
	}
	cmds := k.parser.Parse(c.Output)
	if len(cmds) == 0 {
		return nil
	}
	c.Commands = cmds
	buf.SetCommandBlock(true)
	k.ctrl.SetStatusText("executing commands")
	defer k.ctrl.SetStatusText("")

	ev := dispatch.NewEvent(c, cmds)
	if err := k.disp.DispatchAsync(ctx, ev); err != nil {
		if k.metrics != nil {
			k.metrics.CountDispatch(false)
		}
		return errors.Wrap(err, "dispatch commands")
	}

	timer := time.NewTimer(k.cfg.DispatchTimeout)
	defer timer.Stop()
wait:
	for {
		select {
		case done := <-k.disp.Completed():
			// A worker abandoned by an earlier timeout can deliver its
			// completion long after its turn was reported failed; matching
			// on the event id keeps its results out of the current context.
			if done.ID != ev.ID {
				k.logger.Warn("dropping stale dispatch completion",
					"event_id", done.ID, "results", len(done.Results()))
				continue
			}
			c.Results = done.Results()
			if k.metrics != nil {
				k.metrics.CountDispatch(true)
			}
			break wait
		case <-timer.C:
			ev.RequestStop()
			if k.metrics != nil {
				k.metrics.CountDispatch(false)
			}
			return errors.Errorf("dispatch timed out after %s", k.cfg.DispatchTimeout)
		case <-ctx.Done():
			ev.RequestStop()
			return ctx.Err()
		}
	}

	if c.Reply && !k.ctrl.HaltRequested() {
		r := &ReplyContext{
			Type:     ReplyCommandExecute,
			Ctx:      c,
			ParentID: c.ID,
			Input:    encodeResults(c.Results),
		}
		r.MarkInternal()
		k.QueueReply(r)
	}
	return nil
}

func (k *Kernel) persist(ctx context.Context, c *conversation.Ctx) {
	if k.store == nil {
		return
	}
	if err := k.store.UpdateItem(ctx, c); err != nil {
		k.logger.Warn("turn persist failed", "ctx_id", c.ID, "error", err)
	}
}

// encodeResults renders command results as the JSON payload fed back to
// the model on a command-execute follow-up.
func encodeResults(results []conversation.Result) string {
	data, err := json.Marshal(results)
	if err != nil {
		return "[]"
	}
	return string(data)
}
