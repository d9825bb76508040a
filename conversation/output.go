package conversation

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/halcyonsky/murmur/stream"
)

// Flush policy defaults. The cooldown bounds UI render frequency on fast
// streams; the size threshold keeps latency bounded when a single cooldown
// window accumulates a large amount of text.
const (
	defaultFlushCooldown  = time.Second / 6
	defaultFlushThreshold = 4096
)

// PidBuffer is the per-surface (tab/pane) accumulation buffer. The growing
// output is reachable only through Append/Read/Reset so the raw buffer can
// never be aliased and mutated externally. A buffer is owned by the
// goroutine driving the active stream for its surface; the mutex exists so
// UI snapshots via Read stay safe.
type PidBuffer struct {
	PID    string
	MetaID string

	mu     sync.Mutex
	parts  []string
	text   string
	isCmd  bool
	loaded bool

	images mediaSet
	urls   mediaSet
	files  mediaSet

	limiter     *rate.Limiter
	unflushed   int
	sizeFlushAt int
}

// NewPidBuffer creates a buffer for one output surface.
func NewPidBuffer(pid, metaID string) *PidBuffer {
	return &PidBuffer{
		PID:         pid,
		MetaID:      metaID,
		images:      newMediaSet(),
		urls:        newMediaSet(),
		files:       newMediaSet(),
		limiter:     rate.NewLimiter(rate.Every(defaultFlushCooldown), 1),
		sizeFlushAt: defaultFlushThreshold,
	}
}

// Append adds a text delta to the buffer. The rendered contents are the
// coalescence of every delta appended since the last Reset, so the buffer
// stays whitespace-correct no matter how the provider fragments its text.
func (p *PidBuffer) Append(text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parts = append(p.parts, text)
	p.text = stream.Coalesce(p.parts)
	p.unflushed += len(text)
}

// Read returns the current buffer contents.
func (p *PidBuffer) Read() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

// Reset replaces the buffer contents entirely. Called at the start of each
// new turn; media sets survive within a turn and reset here as well only
// when the text is cleared.
func (p *PidBuffer) Reset(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parts = p.parts[:0]
	if text != "" {
		p.parts = append(p.parts, text)
	}
	p.text = stream.Coalesce(p.parts)
	p.unflushed = len(text)
	if text == "" {
		p.images = newMediaSet()
		p.urls = newMediaSet()
		p.files = newMediaSet()
	}
}

// SetCommandBlock marks the current content as a command block rather than
// prose; the UI renders those differently.
func (p *PidBuffer) SetCommandBlock(isCmd bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isCmd = isCmd
}

// IsCommandBlock reports whether the current content is a command block.
func (p *PidBuffer) IsCommandBlock() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isCmd
}

// SetLoaded marks the surface as having rendered at least once.
func (p *PidBuffer) SetLoaded(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = v
}

// Loaded reports whether the surface has rendered.
func (p *PidBuffer) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// ShouldFlush implements the throttled-flush contract for UI consumers:
// normally at most one flush per cooldown interval, but immediately once the
// unflushed backlog crosses the size threshold. The final flush at stream
// end must not go through this gate; callers flush unconditionally there.
func (p *PidBuffer) ShouldFlush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unflushed >= p.sizeFlushAt {
		p.unflushed = 0
		return true
	}
	if p.unflushed == 0 {
		return false
	}
	if p.limiter.Allow() {
		p.unflushed = 0
		return true
	}
	return false
}

// MarkFlushed clears the unflushed counter after an unconditional flush.
func (p *PidBuffer) MarkFlushed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unflushed = 0
}

// AppendImage records an image reference once per turn. Returns false when
// the reference was already recorded.
func (p *PidBuffer) AppendImage(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.images.add(ref)
}

// AppendURL records a url reference once per turn.
func (p *PidBuffer) AppendURL(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.urls.add(ref)
}

// AppendFile records a file reference once per turn.
func (p *PidBuffer) AppendFile(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files.add(ref)
}

// Images returns the appended image references in insertion order.
func (p *PidBuffer) Images() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.images.list()
}

// URLs returns the appended url references in insertion order.
func (p *PidBuffer) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.urls.list()
}

// Files returns the appended file references in insertion order.
func (p *PidBuffer) Files() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files.list()
}

// mediaSet is an insertion-ordered string set used to deduplicate appended
// attachments within one turn.
type mediaSet struct {
	seen  map[string]struct{}
	order []string
}

func newMediaSet() mediaSet {
	return mediaSet{seen: make(map[string]struct{})}
}

func (m *mediaSet) add(ref string) bool {
	if _, ok := m.seen[ref]; ok {
		return false
	}
	m.seen[ref] = struct{}{}
	m.order = append(m.order, ref)
	return true
}

func (m *mediaSet) list() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
