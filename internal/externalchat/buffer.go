package externalchat

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/agentbridge/runtime/internal/channels"
)

// SendFunc delivers one finished message to a recipient. Errors are logged,
// never propagated to the buffer's caller (spec.md §4.11).
type SendFunc func(text string) error

// BufferConfig bounds one ResponseBuffer's coalescing behavior.
type BufferConfig struct {
	// DelayAfterChunk is how long a quiet buffer waits before flushing
	// (default 500ms).
	DelayAfterChunk time.Duration
	// MaxBufferSize forces an immediate flush once the buffer exceeds this
	// length (default 4096).
	MaxBufferSize int
	// PlatformLimit bounds the length of each message flush sends (default
	// 4000, Telegram's practical limit).
	PlatformLimit int
	// ForceFlushInterval bounds how long a buffer may accumulate before a
	// flush is forced regardless of quiet time (default 10s).
	ForceFlushInterval time.Duration

	Logger *slog.Logger
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.DelayAfterChunk <= 0 {
		c.DelayAfterChunk = 500 * time.Millisecond
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 4096
	}
	if c.PlatformLimit <= 0 {
		c.PlatformLimit = 4000
	}
	if c.ForceFlushInterval <= 0 {
		c.ForceFlushInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ResponseBuffer coalesces streamed text deltas for one recipient and flushes
// them as platform-sized messages on sentence boundaries, a quiet period, a
// size cap, or a force-flush deadline (spec.md §4.11). One instance per
// recipient, never shared (spec.md §5 shared-resource (c)).
//
// Grounded on the teacher's MessageChunker (internal/channels/chunker.go)
// for the sentence/word/hard-cut splitting logic; the timer-driven coalescing
// around it is new, built to spec.md §4.11's add/flush/destroy contract.
type ResponseBuffer struct {
	cfg     BufferConfig
	send    SendFunc
	chunker *channels.MessageChunker

	mu          sync.Mutex
	buf         strings.Builder
	delayTimer  *time.Timer
	forceTimer  *time.Timer
	destroyed   bool
}

// NewResponseBuffer returns a ResponseBuffer that flushes through send.
func NewResponseBuffer(send SendFunc, cfg BufferConfig) *ResponseBuffer {
	cfg = cfg.withDefaults()
	return &ResponseBuffer{
		cfg:     cfg,
		send:    send,
		chunker: channels.NewMessageChunker(cfg.PlatformLimit),
	}
}

// Add appends chunk to the buffer, flushing immediately if the buffer now
// exceeds MaxBufferSize or chunk (trimmed) ends a sentence; otherwise
// schedules a flush after DelayAfterChunk. The first Add after construction
// or after a flush also starts the force-flush deadline timer.
func (b *ResponseBuffer) Add(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}

	// spec.md §8 boundary behavior: a chunk crossing the max-size boundary
	// flushes the existing buffer before the overflow is appended.
	if b.buf.Len() > 0 && b.buf.Len()+len(chunk) > b.cfg.MaxBufferSize {
		b.flushLocked()
	}

	b.buf.WriteString(chunk)
	b.resetDelayTimerLocked()
	if b.forceTimer == nil {
		b.forceTimer = time.AfterFunc(b.cfg.ForceFlushInterval, b.timerFlush)
	}

	if b.buf.Len() > b.cfg.MaxBufferSize || endsSentence(chunk) {
		b.flushLocked()
	}
}

func endsSentence(chunk string) bool {
	trimmed := strings.TrimRightFunc(chunk, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	last := trimmed[len(trimmed)-1]
	return last == '.' || last == '!' || last == '?'
}

func (b *ResponseBuffer) resetDelayTimerLocked() {
	if b.delayTimer != nil {
		b.delayTimer.Stop()
	}
	b.delayTimer = time.AfterFunc(b.cfg.DelayAfterChunk, b.timerFlush)
}

func (b *ResponseBuffer) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Flush sends whatever is buffered, split into platform-sized messages at
// sentence boundaries (falling back to word boundaries, then a hard cut),
// and cancels any pending timers. Idempotent: flushing an empty buffer is a
// no-op.
func (b *ResponseBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *ResponseBuffer) flushLocked() {
	b.stopTimersLocked()

	text := b.buf.String()
	b.buf.Reset()
	if text == "" {
		return
	}

	for _, part := range b.chunker.Chunk(text) {
		if err := b.send(part); err != nil {
			b.cfg.Logger.Warn("response buffer send failed", slog.Any("error", err))
		}
	}
}

func (b *ResponseBuffer) stopTimersLocked() {
	if b.delayTimer != nil {
		b.delayTimer.Stop()
		b.delayTimer = nil
	}
	if b.forceTimer != nil {
		b.forceTimer.Stop()
		b.forceTimer = nil
	}
}

// Destroy cancels any pending timers and drops buffered text without
// sending it.
func (b *ResponseBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimersLocked()
	b.buf.Reset()
	b.destroyed = true
}
