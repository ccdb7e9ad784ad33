package reorder

import (
	"time"

	"github.com/doorcast/relay/internal/media"
)

// Stage is the reordering stage of one inbound connection. Network goroutines
// call Insert; the owning pipeline worker calls Release.
type Stage interface {
	Insert(f media.Frame)
	Release(now time.Time) (video, audio []media.Frame)
	Pending() int
	Reset()
	// Epoch changes whenever the stage discards its timing state on its own,
	// so consumers downstream must restart their pacing as well.
	Epoch() uint64
	Stats() StageStats
}

// StageStats is a status snapshot of a Stage. Sequence stages fill the
// sequence fields and jitter stages the jitter fields.
type StageStats struct {
	Pending       int            `json:"pending"`
	Resets        int64          `json:"resets"`
	VideoSequence *SequenceStats `json:"videoSequence,omitempty"`
	AudioSequence *SequenceStats `json:"audioSequence,omitempty"`
	NextVideoSeq  uint32         `json:"nextVideoSeq,omitempty"`
	NextAudioSeq  uint32         `json:"nextAudioSeq,omitempty"`
	VideoJitter   *JitterStats   `json:"videoJitter,omitempty"`
	AudioJitter   *JitterStats   `json:"audioJitter,omitempty"`
}

// SequenceStage reorders WebSocket ingest by per-stream sequence number.
type SequenceStage struct {
	video *SequenceBuffer
	audio *SequenceBuffer
}

// NewSequenceStage creates a Stage backed by two SequenceBuffers.
func NewSequenceStage(cfg SequenceConfig) *SequenceStage {
	return &SequenceStage{
		video: NewSequenceBuffer(cfg),
		audio: NewSequenceBuffer(cfg),
	}
}

func (s *SequenceStage) Insert(f media.Frame) {
	if f.Kind == media.KindAudio {
		s.audio.Insert(f)
		return
	}
	s.video.Insert(f)
}

func (s *SequenceStage) Release(now time.Time) (video, audio []media.Frame) {
	return s.video.Release(now), s.audio.Release(now)
}

func (s *SequenceStage) Pending() int { return s.video.Len() + s.audio.Len() }

func (s *SequenceStage) Reset() {
	s.video.Reset()
	s.audio.Reset()
}

// Epoch is always zero: sequence buffers never drop timing state by
// themselves.
func (s *SequenceStage) Epoch() uint64 { return 0 }

func (s *SequenceStage) Stats() StageStats {
	video, audio := s.video.Stats(), s.audio.Stats()
	return StageStats{
		Pending:       s.Pending(),
		VideoSequence: &video,
		AudioSequence: &audio,
		NextVideoSeq:  s.video.NextExpected(),
		NextAudioSeq:  s.audio.NextExpected(),
	}
}

// JitterStage reorders UDP ingest by presentation timestamp with drift
// protection.
type JitterStage struct {
	pair *JitterPair
}

// NewJitterStage creates a Stage backed by a JitterPair.
func NewJitterStage(cfg JitterConfig) *JitterStage {
	return &JitterStage{pair: NewJitterPair(cfg)}
}

func (s *JitterStage) Insert(f media.Frame) { s.pair.Insert(f) }

func (s *JitterStage) Release(now time.Time) (video, audio []media.Frame) {
	return s.pair.Flush(now)
}

func (s *JitterStage) Pending() int { return s.pair.Len() }

func (s *JitterStage) Reset() {
	s.pair.Video.Reset()
	s.pair.Audio.Reset()
}

// Epoch is the number of drift resets so far.
func (s *JitterStage) Epoch() uint64 { return uint64(s.pair.Resets()) }

func (s *JitterStage) Stats() StageStats {
	video, audio := s.pair.Video.Stats(), s.pair.Audio.Stats()
	return StageStats{
		Pending:     s.Pending(),
		Resets:      s.pair.Resets(),
		VideoJitter: &video,
		AudioJitter: &audio,
	}
}
