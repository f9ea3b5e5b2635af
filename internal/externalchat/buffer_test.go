package externalchat

import (
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu  sync.Mutex
	out []string
}

func (r *recordingSender) send(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, text)
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.out))
	copy(out, r.out)
	return out
}

func TestResponseBuffer_FlushesOnSentenceEnd(t *testing.T) {
	s := &recordingSender{}
	b := NewResponseBuffer(s.send, BufferConfig{DelayAfterChunk: time.Hour, ForceFlushInterval: time.Hour})
	b.Add("Hello there.")

	if got := s.snapshot(); len(got) != 1 || got[0] != "Hello there." {
		t.Fatalf("expected immediate flush on sentence end, got %v", got)
	}
}

func TestResponseBuffer_FlushesOnSizeCap(t *testing.T) {
	s := &recordingSender{}
	b := NewResponseBuffer(s.send, BufferConfig{DelayAfterChunk: time.Hour, ForceFlushInterval: time.Hour, MaxBufferSize: 8})
	b.Add("this is definitely more than eight bytes")

	if got := s.snapshot(); len(got) == 0 {
		t.Fatal("expected a flush once the buffer exceeds MaxBufferSize")
	}
}

func TestResponseBuffer_DelayedFlush(t *testing.T) {
	s := &recordingSender{}
	b := NewResponseBuffer(s.send, BufferConfig{DelayAfterChunk: 20 * time.Millisecond, ForceFlushInterval: time.Hour})
	b.Add("no terminal punctuation here")

	if got := s.snapshot(); len(got) != 0 {
		t.Fatalf("expected no immediate flush, got %v", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := s.snapshot(); len(got) != 1 {
		t.Fatalf("expected delayed flush to fire, got %v", got)
	}
}

func TestResponseBuffer_ForceFlushDeadline(t *testing.T) {
	s := &recordingSender{}
	b := NewResponseBuffer(s.send, BufferConfig{DelayAfterChunk: time.Hour, ForceFlushInterval: 20 * time.Millisecond})
	b.Add("still no terminal punctuation")

	time.Sleep(100 * time.Millisecond)
	if got := s.snapshot(); len(got) != 1 {
		t.Fatalf("expected force-flush deadline to fire, got %v", got)
	}
}

func TestResponseBuffer_ManualFlushIsIdempotent(t *testing.T) {
	s := &recordingSender{}
	b := NewResponseBuffer(s.send, BufferConfig{DelayAfterChunk: time.Hour, ForceFlushInterval: time.Hour})
	b.Add("partial chunk without end")
	b.Flush()
	b.Flush() // second flush on an empty buffer must be a no-op

	if got := s.snapshot(); len(got) != 1 {
		t.Fatalf("expected exactly one flush, got %v", got)
	}
}

func TestResponseBuffer_DestroyDropsBufferedText(t *testing.T) {
	s := &recordingSender{}
	b := NewResponseBuffer(s.send, BufferConfig{DelayAfterChunk: 10 * time.Millisecond, ForceFlushInterval: time.Hour})
	b.Add("never sent")
	b.Destroy()

	time.Sleep(50 * time.Millisecond)
	if got := s.snapshot(); len(got) != 0 {
		t.Fatalf("expected destroyed buffer to never flush, got %v", got)
	}
}

func TestResponseBuffer_SplitsOversizedFlushAtPlatformLimit(t *testing.T) {
	s := &recordingSender{}
	b := NewResponseBuffer(s.send, BufferConfig{DelayAfterChunk: time.Hour, ForceFlushInterval: time.Hour, MaxBufferSize: 1 << 20, PlatformLimit: 20})
	long := "one two three four five six seven eight nine ten."
	b.Add(long)
	b.Flush()

	for _, part := range s.snapshot() {
		if len(part) > 20 {
			t.Fatalf("expected every sent part to be <= 20 chars, got %q (%d)", part, len(part))
		}
	}
}

func TestEndsSentence(t *testing.T) {
	cases := map[string]bool{
		"done.":        true,
		"really?":      true,
		"wait!":        true,
		"no ending":    false,
		"trailing   ":  false,
		"question? ":   true,
	}
	for in, want := range cases {
		if got := endsSentence(in); got != want {
			t.Fatalf("endsSentence(%q) = %v, want %v", in, got, want)
		}
	}
}
