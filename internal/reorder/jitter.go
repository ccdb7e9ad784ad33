package reorder

import (
	"container/heap"
	"sync"
	"time"

	"github.com/doorcast/relay/internal/media"
)

// Jitter buffer defaults. UDP presentation timestamps are milliseconds.
const (
	DefaultMaxWait       = 150 * time.Millisecond
	DefaultMaxDriftMs    = 500
	DefaultJitterMaxSize = 90
)

// JitterConfig bounds a JitterBuffer and the drift check of a JitterPair.
type JitterConfig struct {
	MaxWait    time.Duration
	MaxDriftMs int64
	MaxSize    int
}

func (c JitterConfig) withDefaults() JitterConfig {
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxDriftMs <= 0 {
		c.MaxDriftMs = DefaultMaxDriftMs
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultJitterMaxSize
	}
	return c
}

// JitterStats counts jitter buffer outcomes.
type JitterStats struct {
	Released int64 `json:"released"`
	Late     int64 `json:"late"`
	Overflow int64 `json:"overflow"`
	Resets   int64 `json:"resets"`
}

type frameHeap []media.Frame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return h[i].PTS < h[j].PTS }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(media.Frame)) }
func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	*h = old[:n-1]
	return f
}

// JitterBuffer is a pts-ordered priority queue for one stream.
//
// Flush releases the lowest-pts frame while its pts has reached the
// expected pts (last released pts plus the last observed frame interval) or
// it has been buffered longer than MaxWait. Frames older than the last
// released pts can no longer be delivered in order and are dropped, as is
// the oldest frame whenever the queue exceeds MaxSize.
type JitterBuffer struct {
	cfg JitterConfig

	mu           sync.Mutex
	queue        frameHeap
	lastReleased int64
	interval     int64
	released     bool
	stats        JitterStats
}

// NewJitterBuffer creates a JitterBuffer. Zero config fields select the
// package defaults.
func NewJitterBuffer(cfg JitterConfig) *JitterBuffer {
	return &JitterBuffer{cfg: cfg.withDefaults()}
}

// Insert adds a frame. Safe for concurrent use.
func (b *JitterBuffer) Insert(f media.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	heap.Push(&b.queue, f)
}

// Flush returns the frames releasable at now in ascending pts order.
func (b *JitterBuffer) Flush(now time.Time) []media.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.queue.Len() > b.cfg.MaxSize {
		heap.Pop(&b.queue)
		b.stats.Overflow++
	}

	var out []media.Frame
	for b.queue.Len() > 0 {
		head := b.queue[0]
		if b.released && head.PTS < b.lastReleased {
			heap.Pop(&b.queue)
			b.stats.Late++
			continue
		}
		expected := b.lastReleased + b.interval
		due := !b.released || head.PTS >= expected || now.Sub(head.Arrival) > b.cfg.MaxWait
		if !due {
			break
		}
		heap.Pop(&b.queue)
		if b.released && head.PTS > b.lastReleased {
			b.interval = head.PTS - b.lastReleased
		}
		b.lastReleased = head.PTS
		b.released = true
		b.stats.Released++
		out = append(out, head)
	}
	return out
}

// LastReleasedPTS returns the pts of the most recently released frame and
// whether any frame has been released since the last reset.
func (b *JitterBuffer) LastReleasedPTS() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastReleased, b.released
}

// Reset drops every pending frame and restarts pacing. It returns the number
// of frames dropped.
func (b *JitterBuffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.queue.Len()
	b.queue = nil
	b.lastReleased = 0
	b.interval = 0
	b.released = false
	b.stats.Resets++
	return n
}

// Len returns the number of buffered frames.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// Stats returns a snapshot of the buffer counters.
func (b *JitterBuffer) Stats() JitterStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// JitterPair couples the video and audio jitter buffers of one UDP session
// and resets both when their released timestamps drift apart by more than
// MaxDriftMs. Dropping all pending frames on drift trades a visible skip for
// bounded desync.
type JitterPair struct {
	Video *JitterBuffer
	Audio *JitterBuffer

	maxDrift int64

	mu     sync.Mutex
	resets int64
}

// NewJitterPair creates a video/audio buffer pair sharing cfg.
func NewJitterPair(cfg JitterConfig) *JitterPair {
	cfg = cfg.withDefaults()
	return &JitterPair{
		Video:    NewJitterBuffer(cfg),
		Audio:    NewJitterBuffer(cfg),
		maxDrift: cfg.MaxDriftMs,
	}
}

// Insert routes f to the buffer for its stream kind.
func (p *JitterPair) Insert(f media.Frame) {
	if f.Kind == media.KindAudio {
		p.Audio.Insert(f)
		return
	}
	p.Video.Insert(f)
}

// Flush releases due frames from both buffers, then runs the drift check.
// Frames released by this call are still returned when a reset follows.
func (p *JitterPair) Flush(now time.Time) (video, audio []media.Frame) {
	video = p.Video.Flush(now)
	audio = p.Audio.Flush(now)
	p.CheckDrift()
	return video, audio
}

// CheckDrift resets both buffers when the last released video and audio
// timestamps are further apart than the drift limit. It reports whether a
// reset happened.
func (p *JitterPair) CheckDrift() bool {
	v, vok := p.Video.LastReleasedPTS()
	a, aok := p.Audio.LastReleasedPTS()
	if !vok || !aok {
		return false
	}
	drift := v - a
	if drift < 0 {
		drift = -drift
	}
	if drift <= p.maxDrift {
		return false
	}
	p.Video.Reset()
	p.Audio.Reset()
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
	return true
}

// Resets returns how many drift resets have happened.
func (p *JitterPair) Resets() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// Len returns the number of frames pending in both buffers.
func (p *JitterPair) Len() int {
	return p.Video.Len() + p.Audio.Len()
}
