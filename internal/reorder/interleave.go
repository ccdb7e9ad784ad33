package reorder

import (
	"time"

	"github.com/doorcast/relay/internal/media"
)

// DefaultMaxHold is how long a frame waits for its partner stream before it
// is released alone.
const DefaultMaxHold = 100 * time.Millisecond

type queued struct {
	frame    media.Frame
	pushedAt time.Time
}

// InterleaveStats counts interleaver outcomes.
type InterleaveStats struct {
	Video int64 `json:"video"`
	Audio int64 `json:"audio"`
	Late  int64 `json:"late"`
	Solo  int64 `json:"solo"`
}

// Interleaver merges the released video and audio streams into play order.
// Each stream's timestamps are normalized against the first timestamp seen
// on that stream; the lower normalized pts goes first and video wins ties.
// Frames whose pts falls behind what their stream already emitted are
// dropped so each stream reaches the transcoder in non-decreasing pts order.
//
// Interleaver is not safe for concurrent use; one pipeline worker owns it.
type Interleaver struct {
	maxHold time.Duration

	video, audio []queued

	videoBase, audioBase int64
	haveVideo, haveAudio bool

	lastVideo, lastAudio int64
	sentVideo, sentAudio bool

	stats InterleaveStats
}

// NewInterleaver creates an Interleaver. A non-positive maxHold selects
// DefaultMaxHold.
func NewInterleaver(maxHold time.Duration) *Interleaver {
	if maxHold <= 0 {
		maxHold = DefaultMaxHold
	}
	return &Interleaver{maxHold: maxHold}
}

// Push queues frames released by a reordering buffer.
func (il *Interleaver) Push(now time.Time, frames ...media.Frame) {
	for _, f := range frames {
		q := queued{frame: f, pushedAt: now}
		if f.Kind == media.KindAudio {
			if !il.haveAudio {
				il.audioBase, il.haveAudio = f.PTS, true
			}
			il.audio = append(il.audio, q)
			continue
		}
		if !il.haveVideo {
			il.videoBase, il.haveVideo = f.PTS, true
		}
		il.video = append(il.video, q)
	}
}

// Drain returns the frames that can be emitted at now, in play order.
func (il *Interleaver) Drain(now time.Time) []media.Frame {
	return il.emit(now, false)
}

// Flush returns every queued frame in play order without waiting for the
// partner stream.
func (il *Interleaver) Flush() []media.Frame {
	return il.emit(time.Time{}, true)
}

func (il *Interleaver) emit(now time.Time, all bool) []media.Frame {
	var out []media.Frame
	for {
		var pick *[]queued
		switch {
		case len(il.video) > 0 && len(il.audio) > 0:
			v := il.video[0].frame.PTS - il.videoBase
			a := il.audio[0].frame.PTS - il.audioBase
			if v <= a {
				pick = &il.video
			} else {
				pick = &il.audio
			}
		case len(il.video) > 0 && (all || now.Sub(il.video[0].pushedAt) >= il.maxHold):
			pick = &il.video
			il.stats.Solo++
		case len(il.audio) > 0 && (all || now.Sub(il.audio[0].pushedAt) >= il.maxHold):
			pick = &il.audio
			il.stats.Solo++
		default:
			return out
		}

		f := (*pick)[0].frame
		*pick = (*pick)[1:]
		if il.accept(f) {
			out = append(out, f)
		}
	}
}

// accept enforces per-stream pts monotonicity.
func (il *Interleaver) accept(f media.Frame) bool {
	if f.Kind == media.KindAudio {
		if il.sentAudio && f.PTS < il.lastAudio {
			il.stats.Late++
			return false
		}
		il.lastAudio, il.sentAudio = f.PTS, true
		il.stats.Audio++
		return true
	}
	if il.sentVideo && f.PTS < il.lastVideo {
		il.stats.Late++
		return false
	}
	il.lastVideo, il.sentVideo = f.PTS, true
	il.stats.Video++
	return true
}

// Pending returns the number of queued frames.
func (il *Interleaver) Pending() int {
	return len(il.video) + len(il.audio)
}

// Reset drops queued frames and forgets stream bases.
func (il *Interleaver) Reset() {
	il.video, il.audio = nil, nil
	il.haveVideo, il.haveAudio = false, false
	il.sentVideo, il.sentAudio = false, false
}

// Stats returns the interleaver counters.
func (il *Interleaver) Stats() InterleaveStats {
	return il.stats
}
