package conversation

import (
	"testing"

	"github.com/halcyonsky/murmur/stream"
)

func TestPidBufferAppendReadReset(t *testing.T) {
	p := NewPidBuffer("tab-1", "meta-1")

	p.Append("Hello ")
	p.Append("world")
	if got := p.Read(); got != "Hello world" {
		t.Errorf("Read() = %q, want %q", got, "Hello world")
	}

	p.Reset("fresh")
	if got := p.Read(); got != "fresh" {
		t.Errorf("Read() after Reset = %q, want %q", got, "fresh")
	}

	p.Reset("")
	if got := p.Read(); got != "" {
		t.Errorf("Read() after empty Reset = %q, want empty", got)
	}
}

func TestPidBufferCoalescesDeltas(t *testing.T) {
	parts := []string{"Hello", "world  ", "\n", "  next line."}
	p := NewPidBuffer("tab-1", "meta-1")
	for _, part := range parts {
		p.Append(part)
	}

	// Incremental appends render the same text as one batch coalescence,
	// so fragment padding never leaks into reads between chunks.
	if got, want := p.Read(), stream.Coalesce(parts); got != want {
		t.Errorf("Read() = %q, want %q", got, want)
	}
	if got := p.Read(); got != "Hello world\nnext line." {
		t.Errorf("Read() = %q, want %q", got, "Hello world\nnext line.")
	}
}

func TestPidBufferMediaDeduplication(t *testing.T) {
	p := NewPidBuffer("tab-1", "meta-1")

	if !p.AppendImage("img.png") {
		t.Error("first AppendImage should report new")
	}
	if p.AppendImage("img.png") {
		t.Error("second AppendImage should report duplicate")
	}
	if !p.AppendImage("other.png") {
		t.Error("distinct image should report new")
	}
	if got := p.Images(); len(got) != 2 {
		t.Errorf("Images() length = %d, want 2", len(got))
	}

	p.AppendURL("https://example.com")
	p.AppendURL("https://example.com")
	if got := p.URLs(); len(got) != 1 {
		t.Errorf("URLs() length = %d, want 1 (deduplication failed)", len(got))
	}

	// Empty turn reset clears the media sets.
	p.Reset("")
	if p.AppendImage("img.png") != true {
		t.Error("image should be recordable again after reset")
	}
}

func TestPidBufferFlushGate(t *testing.T) {
	p := NewPidBuffer("tab-1", "meta-1")

	// Nothing pending: no flush.
	if p.ShouldFlush() {
		t.Error("empty buffer should not request a flush")
	}

	// First pending text within the cooldown budget flushes once.
	p.Append("hi")
	if !p.ShouldFlush() {
		t.Error("first pending text should flush")
	}

	// More small text inside the cooldown window stays throttled.
	p.Append("more")
	if p.ShouldFlush() {
		t.Error("cooldown should suppress an immediate second flush")
	}

	// Crossing the size threshold bypasses the cooldown.
	big := make([]byte, defaultFlushThreshold)
	for i := range big {
		big[i] = 'x'
	}
	p.Append(string(big))
	if !p.ShouldFlush() {
		t.Error("size threshold should force a flush despite cooldown")
	}
}

func TestPidBufferCommandBlockFlag(t *testing.T) {
	p := NewPidBuffer("tab-1", "meta-1")
	if p.IsCommandBlock() {
		t.Error("new buffer should not be a command block")
	}
	p.SetCommandBlock(true)
	if !p.IsCommandBlock() {
		t.Error("SetCommandBlock(true) not observed")
	}
}
