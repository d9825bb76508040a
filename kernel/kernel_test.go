package kernel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonsky/murmur/conversation"
	"github.com/halcyonsky/murmur/dispatch"
	"github.com/halcyonsky/murmur/stream"
)

// fakeProvider replays a scripted list of responses, one per Stream call.
type fakeProvider struct {
	mu      sync.Mutex
	scripts [][]string
	stats   []*conversation.TurnStats
	errs    []error
	calls   int
	inputs  []string
}

func (f *fakeProvider) Stream(ctx context.Context, input string, history []*conversation.Ctx) (<-chan stream.Chunk, <-chan *conversation.TurnStats, <-chan error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()

	chunks := make(chan stream.Chunk, 16)
	stats := make(chan *conversation.TurnStats, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(stats)
		defer close(chunks)
		if call < len(f.errs) && f.errs[call] != nil {
			errs <- f.errs[call]
			return
		}
		if call < len(f.scripts) {
			for _, text := range f.scripts[call] {
				select {
				case chunks <- stream.TextChunk(text):
				case <-ctx.Done():
					return
				}
			}
		}
		if call < len(f.stats) && f.stats[call] != nil {
			stats <- f.stats[call]
		}
	}()
	return chunks, stats, errs
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) inputAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[i]
}

// recordingSink captures published output and status snapshots.
type recordingSink struct {
	mu       sync.Mutex
	statuses []Status
	outputs  []string
	finals   []bool
}

func (s *recordingSink) PublishStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) PublishOutput(pid, text string, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, text)
	s.finals = append(s.finals, final)
}

func (s *recordingSink) lastFinalOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.outputs) - 1; i >= 0; i-- {
		if s.finals[i] {
			return s.outputs[i]
		}
	}
	return ""
}

// jsonParser treats output that is a JSON command array as commands.
type jsonParser struct{}

func (jsonParser) Parse(output string) []conversation.Command {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "[") {
		return nil
	}
	var cmds []conversation.Command
	if err := json.Unmarshal([]byte(trimmed), &cmds); err != nil {
		return nil
	}
	return cmds
}

type memStore struct {
	mu    sync.Mutex
	items map[string]*conversation.Ctx
	order []string
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*conversation.Ctx)}
}

func (m *memStore) LoadHistory(ctx context.Context, metaID string) ([]*conversation.Ctx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("store offline")
	}
	var out []*conversation.Ctx
	for _, id := range m.order {
		if m.items[id].MetaID == metaID {
			out = append(out, m.items[id])
		}
	}
	return out, nil
}

func (m *memStore) UpdateItem(ctx context.Context, c *conversation.Ctx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store offline")
	}
	if _, ok := m.items[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.items[c.ID] = c
	return nil
}

type echoPlugin struct {
	id      string
	reply   bool
	mu      sync.Mutex
	handled int
}

func (p *echoPlugin) ID() string { return p.id }

func (p *echoPlugin) Handle(ctx context.Context, ev *dispatch.Event) error {
	p.mu.Lock()
	p.handled++
	p.mu.Unlock()
	for _, cmd := range ev.Commands {
		ev.AddResult(conversation.Result{Command: cmd.Name, Output: "ok"})
	}
	if p.reply {
		ev.Ctx.Reply = true
		// Only the first dispatch requests a follow-up, otherwise the
		// reply limit test would never terminate naturally.
		p.reply = false
	}
	return nil
}

func (p *echoPlugin) handledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handled
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestKernel(t *testing.T, provider StreamProvider, parser CommandParser, plugins ...dispatch.Plugin) (*Kernel, *recordingSink, *memStore) {
	t.Helper()
	sink := &recordingSink{}
	ctrl := NewController(sink)
	store := newMemStore()
	var disp *dispatch.Dispatcher
	if len(plugins) > 0 {
		reg := dispatch.NewRegistry()
		for _, p := range plugins {
			reg.Register(p)
		}
		disp = dispatch.NewDispatcher(reg, quietLogger())
	}
	k := New(Config{PID: "tab1", DispatchTimeout: 5 * time.Second}, ctrl, provider, parser, disp, store, sink, nil, quietLogger())
	return k, sink, store
}

func TestSendStreamsTextIntoOutput(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]string{{"Hello", " world", "."}},
		stats:   []*conversation.TurnStats{{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8}},
	}
	k, sink, store := newTestKernel(t, provider, nil)

	c, err := k.Send(context.Background(), "meta-1", "hi")
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, "Hello world.", c.Output)
	assert.Equal(t, 3, c.InputTokens)
	assert.Equal(t, 8, c.TotalTokens)
	assert.Equal(t, "Hello world.", sink.lastFinalOutput())
	assert.Len(t, store.order, 1)
	assert.False(t, k.Controller().Busy())
}

func TestSendReturnsBusyWhileTurnInFlight(t *testing.T) {
	release := make(chan struct{})
	provider := providerFunc(func(ctx context.Context, input string, history []*conversation.Ctx) (<-chan stream.Chunk, <-chan *conversation.TurnStats, <-chan error) {
		chunks := make(chan stream.Chunk)
		stats := make(chan *conversation.TurnStats)
		errs := make(chan error)
		go func() {
			defer close(errs)
			defer close(stats)
			defer close(chunks)
			select {
			case <-release:
			case <-ctx.Done():
			}
		}()
		return chunks, stats, errs
	})
	k, _, _ := newTestKernel(t, provider, nil)

	done := make(chan error, 1)
	go func() {
		_, err := k.Send(context.Background(), "meta-1", "slow")
		done <- err
	}()

	// Wait until the first turn holds the slot.
	require.Eventually(t, func() bool { return k.Controller().Busy() }, time.Second, 5*time.Millisecond)

	_, err := k.Send(context.Background(), "meta-1", "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)

	// The kernel accepts new turns after the slot frees.
	_, err = k.Send(context.Background(), "meta-1", "third")
	assert.NoError(t, err)
}

type providerFunc func(ctx context.Context, input string, history []*conversation.Ctx) (<-chan stream.Chunk, <-chan *conversation.TurnStats, <-chan error)

func (f providerFunc) Stream(ctx context.Context, input string, history []*conversation.Ctx) (<-chan stream.Chunk, <-chan *conversation.TurnStats, <-chan error) {
	return f(ctx, input, history)
}

func TestStreamErrorSurfacesAndClearsBusy(t *testing.T) {
	provider := &fakeProvider{errs: []error{errors.New("upstream 500")}}
	k, _, _ := newTestKernel(t, provider, nil)

	_, err := k.Send(context.Background(), "meta-1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 500")
	assert.False(t, k.Controller().Busy())
	assert.Equal(t, err, k.Controller().Snapshot().LastErr)
}

func TestCommandsDispatchAndMergeResults(t *testing.T) {
	script := `[{"cmd":"note_add","params":{"text":"milk"}}]`
	provider := &fakeProvider{scripts: [][]string{{script}}}
	plugin := &echoPlugin{id: "notes"}
	k, _, _ := newTestKernel(t, provider, jsonParser{}, plugin)

	c, err := k.Send(context.Background(), "meta-1", "add a note")
	require.NoError(t, err)

	require.Len(t, c.Commands, 1)
	assert.Equal(t, "note_add", c.Commands[0].Name)
	require.Len(t, c.Results, 1)
	assert.Equal(t, conversation.Result{Command: "note_add", Output: "ok"}, c.Results[0])
	assert.Equal(t, 1, plugin.handledCount())
	assert.True(t, k.Buffer("meta-1").IsCommandBlock())
}

func TestReplyCycleFeedsResultsBack(t *testing.T) {
	script := `[{"cmd":"web_search","params":{"q":"weather"}}]`
	provider := &fakeProvider{
		scripts: [][]string{{script}, {"It will rain."}},
	}
	plugin := &echoPlugin{id: "web", reply: true}
	k, sink, _ := newTestKernel(t, provider, jsonParser{}, plugin)

	c, err := k.Send(context.Background(), "meta-1", "weather?")
	require.NoError(t, err)

	// Two provider calls: the original turn plus the command-result
	// follow-up, whose input is the JSON-encoded results.
	require.Equal(t, 2, provider.callCount())
	assert.Contains(t, provider.inputAt(1), `"web_search"`)
	assert.Equal(t, "It will rain.", c.Output)
	assert.Equal(t, "It will rain.", sink.lastFinalOutput())

	// The follow-up is flagged internal in memory only; the flag is a
	// control bit and never reaches the persisted form.
	assert.True(t, c.IsInternal())
	_, stashed := c.Extra["internal"]
	assert.False(t, stashed)
	data, merr := json.Marshal(c)
	require.NoError(t, merr)
	assert.NotContains(t, string(data), "internal")
}

func TestStreamedDeltasAreCoalesced(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]string{{"Hello", "world  ", "\n", "  next line."}},
	}
	k, sink, _ := newTestKernel(t, provider, nil)

	c, err := k.Send(context.Background(), "meta-1", "hi")
	require.NoError(t, err)

	// Fragment padding is repaired as deltas land in the buffer, so the
	// persisted output and every flush carry normalized text.
	assert.Equal(t, "Hello world\nnext line.", c.Output)
	assert.Equal(t, stream.Coalesce([]string{"Hello", "world  ", "\n", "  next line."}), c.Output)
	assert.Equal(t, "Hello world\nnext line.", sink.lastFinalOutput())
}

// staggerPlugin blocks long enough on its first call to outlive the dispatch
// timeout; later calls return immediately with a distinct result.
type staggerPlugin struct {
	mu        sync.Mutex
	calls     int
	firstDone chan struct{}
}

func (*staggerPlugin) ID() string { return "stagger" }

func (p *staggerPlugin) Handle(ctx context.Context, ev *dispatch.Event) error {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		time.Sleep(150 * time.Millisecond)
		ev.AddResult(conversation.Result{Command: "job", Output: "late"})
		close(p.firstDone)
		return nil
	}
	ev.AddResult(conversation.Result{Command: "job", Output: "fresh"})
	return nil
}

func TestStaleDispatchCompletionIsDiscarded(t *testing.T) {
	script := `[{"cmd":"job"}]`
	scripts := make([][]string, 8)
	for i := range scripts {
		scripts[i] = []string{script}
	}
	provider := &fakeProvider{scripts: scripts}
	plugin := &staggerPlugin{firstDone: make(chan struct{})}
	sink := &recordingSink{}
	ctrl := NewController(sink)
	reg := dispatch.NewRegistry()
	reg.Register(plugin)
	disp := dispatch.NewDispatcher(reg, quietLogger())
	k := New(Config{PID: "tab1", DispatchTimeout: 30 * time.Millisecond},
		ctrl, provider, jsonParser{}, disp, nil, sink, nil, quietLogger())

	_, err := k.Send(context.Background(), "meta-1", "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch timed out")

	// The abandoned worker finishes after the timeout and queues its
	// completion; the next turn must not adopt those results.
	<-plugin.firstDone
	var second *conversation.Ctx
	require.Eventually(t, func() bool {
		c, err := k.Send(context.Background(), "meta-1", "again")
		if err != nil {
			return false
		}
		second = c
		return true
	}, 2*time.Second, 20*time.Millisecond)

	require.Len(t, second.Results, 1)
	assert.Equal(t, "fresh", second.Results[0].Output)
}

// fakeMetrics records every instrumentation call.
type fakeMetrics struct {
	mu         sync.Mutex
	chunks     int
	flushes    int
	dispatches []bool
	turns      int
	busy       []bool
}

func (m *fakeMetrics) CountChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks++
}

func (m *fakeMetrics) CountFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

func (m *fakeMetrics) CountDispatch(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, ok)
}

func (m *fakeMetrics) ObserveTurn(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns++
}

func (m *fakeMetrics) SetBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = append(m.busy, busy)
}

func TestMetricsHookObservesTurnLifecycle(t *testing.T) {
	provider := &fakeProvider{scripts: [][]string{{"Hello", " world"}}}
	m := &fakeMetrics{}
	sink := &recordingSink{}
	ctrl := NewController(sink)
	k := New(Config{PID: "tab1"}, ctrl, provider, nil, nil, nil, sink, m, quietLogger())

	_, err := k.Send(context.Background(), "meta-1", "hi")
	require.NoError(t, err)

	assert.Equal(t, 2, m.chunks)
	assert.GreaterOrEqual(t, m.flushes, 1)
	assert.Equal(t, 1, m.turns)
	// The busy gauge mirrors the turn: raised at entry, dropped at exit.
	assert.Equal(t, []bool{true, false}, m.busy)
}

func TestReplyLimitBreaksLoops(t *testing.T) {
	script := `[{"cmd":"loop"}]`
	scripts := make([][]string, 16)
	for i := range scripts {
		scripts[i] = []string{script}
	}
	provider := &fakeProvider{scripts: scripts}
	plugin := &loopPlugin{}
	sink := &recordingSink{}
	ctrl := NewController(sink)
	reg := dispatch.NewRegistry()
	reg.Register(plugin)
	disp := dispatch.NewDispatcher(reg, quietLogger())
	k := New(Config{PID: "tab1", ReplyLimit: 3, DispatchTimeout: 5 * time.Second},
		ctrl, provider, jsonParser{}, disp, nil, sink, nil, quietLogger())

	_, err := k.Send(context.Background(), "meta-1", "go")
	require.NoError(t, err)
	// Initial turn + ReplyLimit follow-ups, then the loop is cut.
	assert.Equal(t, 4, provider.callCount())
}

// loopPlugin always requests a follow-up, simulating a command/reply loop.
type loopPlugin struct{}

func (loopPlugin) ID() string { return "loop" }

func (loopPlugin) Handle(ctx context.Context, ev *dispatch.Event) error {
	ev.AddResult(conversation.Result{Command: "loop", Output: "again"})
	ev.Ctx.Reply = true
	return nil
}

func TestHaltDuringDispatchSuppressesFollowUp(t *testing.T) {
	script := `[{"cmd":"slow"}]`
	provider := &fakeProvider{scripts: [][]string{{script}, {"never streamed"}}}
	sink := &recordingSink{}
	ctrl := NewController(sink)
	reg := dispatch.NewRegistry()
	reg.Register(&haltPlugin{ctrl: ctrl})
	disp := dispatch.NewDispatcher(reg, quietLogger())
	k := New(Config{PID: "tab1", DispatchTimeout: 5 * time.Second},
		ctrl, provider, jsonParser{}, disp, nil, sink, nil, quietLogger())

	_, err := k.Send(context.Background(), "meta-1", "go")
	require.NoError(t, err)
	// The halt flag set during dispatch suppresses the follow-up turn.
	assert.Equal(t, 1, provider.callCount())
}

// haltPlugin requests a follow-up and then halts, like a user pressing
// stop while commands run.
type haltPlugin struct {
	ctrl *Controller
}

func (*haltPlugin) ID() string { return "halter" }

func (p *haltPlugin) Handle(ctx context.Context, ev *dispatch.Event) error {
	ev.AddResult(conversation.Result{Command: "slow", Output: "partial"})
	ev.Ctx.Reply = true
	p.ctrl.RequestHalt()
	return nil
}

func TestHistoryLoadFailureDoesNotAbortTurn(t *testing.T) {
	provider := &fakeProvider{scripts: [][]string{{"still works"}}}
	k, _, store := newTestKernel(t, provider, nil)
	store.fail = true

	c, err := k.Send(context.Background(), "meta-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "still works", c.Output)
}

func TestStatusTransitionsPublishToSink(t *testing.T) {
	provider := &fakeProvider{scripts: [][]string{{"ok"}}}
	k, sink, _ := newTestKernel(t, provider, nil)

	_, err := k.Send(context.Background(), "meta-1", "hi")
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.statuses)
	assert.True(t, sink.statuses[0].Busy, "first transition marks busy")
	assert.False(t, sink.statuses[len(sink.statuses)-1].Busy, "last transition marks idle")
}
