package reorder

import (
	"sort"
	"sync"
	"time"

	"github.com/doorcast/relay/internal/media"
)

// Sequence buffer defaults.
const (
	DefaultMaxReorderDelay = 100 * time.Millisecond
	DefaultMaxSequenceGap  = 30
	DefaultMaxSize         = 120
)

// SequenceConfig bounds how long a SequenceBuffer may hold frames.
type SequenceConfig struct {
	MaxReorderDelay time.Duration
	MaxSequenceGap  uint32
	MaxSize         int
}

func (c SequenceConfig) withDefaults() SequenceConfig {
	if c.MaxReorderDelay <= 0 {
		c.MaxReorderDelay = DefaultMaxReorderDelay
	}
	if c.MaxSequenceGap == 0 {
		c.MaxSequenceGap = DefaultMaxSequenceGap
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	return c
}

// SequenceStats counts why frames left a SequenceBuffer.
type SequenceStats struct {
	InOrder  int64 `json:"inOrder"`
	Late     int64 `json:"late"`
	Aged     int64 `json:"aged"`
	Gap      int64 `json:"gap"`
	Overflow int64 `json:"overflow"`
}

// SequenceBuffer releases frames ordered by sequence number. A frame is
// released when its sequence number is at or below the next expected one,
// when it has waited longer than MaxReorderDelay, when the gap to the next
// expected sequence exceeds MaxSequenceGap, or when the buffer holds more
// than MaxSize frames.
type SequenceBuffer struct {
	cfg SequenceConfig

	mu           sync.Mutex
	frames       []media.Frame // ascending by Seq
	nextExpected uint32
	started      bool
	stats        SequenceStats
}

// NewSequenceBuffer creates a SequenceBuffer. Zero config fields select the
// package defaults.
func NewSequenceBuffer(cfg SequenceConfig) *SequenceBuffer {
	return &SequenceBuffer{cfg: cfg.withDefaults()}
}

// Insert adds a frame. Safe for concurrent use.
func (b *SequenceBuffer) Insert(f media.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.nextExpected = f.Seq
		b.started = true
	}
	i := sort.Search(len(b.frames), func(i int) bool { return b.frames[i].Seq > f.Seq })
	b.frames = append(b.frames, media.Frame{})
	copy(b.frames[i+1:], b.frames[i:])
	b.frames[i] = f
}

// Release returns every frame that is releasable at now, lowest sequence
// first, and advances the next expected sequence past them.
func (b *SequenceBuffer) Release(now time.Time) []media.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []media.Frame
	for len(b.frames) > 0 {
		head := b.frames[0]
		switch {
		case head.Seq < b.nextExpected:
			b.stats.Late++
		case head.Seq == b.nextExpected:
			b.stats.InOrder++
		case now.Sub(head.Arrival) > b.cfg.MaxReorderDelay:
			b.stats.Aged++
		case head.Seq-b.nextExpected > b.cfg.MaxSequenceGap:
			b.stats.Gap++
		case len(b.frames) > b.cfg.MaxSize:
			b.stats.Overflow++
		default:
			return out
		}
		b.frames = b.frames[1:]
		if head.Seq+1 > b.nextExpected {
			b.nextExpected = head.Seq + 1
		}
		out = append(out, head)
	}
	return out
}

// NextExpected returns the sequence number the buffer is waiting for.
func (b *SequenceBuffer) NextExpected() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextExpected
}

// Len returns the number of buffered frames.
func (b *SequenceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Reset drops every buffered frame and forgets the expected sequence.
func (b *SequenceBuffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.frames)
	b.frames = nil
	b.started = false
	return n
}

// Stats returns a snapshot of the release counters.
func (b *SequenceBuffer) Stats() SequenceStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
