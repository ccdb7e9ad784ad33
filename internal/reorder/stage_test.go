package reorder

import (
	"testing"
	"time"

	"github.com/doorcast/relay/internal/media"
)

func TestJitterStageEpochAdvancesOnDrift(t *testing.T) {
	t.Parallel()

	s := NewJitterStage(JitterConfig{MaxDriftMs: 500, MaxWait: time.Second})
	now := time.Now()
	if s.Epoch() != 0 {
		t.Fatalf("initial epoch: got %d, want 0", s.Epoch())
	}

	s.Insert(ptsFrame(media.KindVideo, 0, now))
	s.Insert(ptsFrame(media.KindAudio, 2000, now))
	video, audio := s.Release(now)
	if len(video) != 1 || len(audio) != 1 {
		t.Fatalf("released video=%d audio=%d, want 1 each", len(video), len(audio))
	}
	if s.Epoch() != 1 {
		t.Errorf("epoch after drift: got %d, want 1", s.Epoch())
	}

	st := s.Stats()
	if st.Resets != 1 || st.Pending != 0 {
		t.Errorf("stats: resets=%d pending=%d, want 1 and 0", st.Resets, st.Pending)
	}
	if st.VideoJitter == nil || st.VideoJitter.Released != 1 || st.AudioJitter == nil || st.AudioJitter.Released != 1 {
		t.Errorf("per-stream jitter stats: %+v %+v", st.VideoJitter, st.AudioJitter)
	}
	if st.VideoSequence != nil {
		t.Error("jitter stage reported sequence stats")
	}
}

func TestSequenceStageStats(t *testing.T) {
	t.Parallel()

	s := NewSequenceStage(SequenceConfig{})
	now := time.Now()
	s.Insert(seqFrame(0, now))
	s.Insert(seqFrame(1, now))
	s.Release(now)

	st := s.Stats()
	if st.VideoSequence == nil || st.VideoSequence.InOrder != 2 {
		t.Errorf("video sequence stats: %+v", st.VideoSequence)
	}
	if st.NextVideoSeq != 2 {
		t.Errorf("next video seq: got %d, want 2", st.NextVideoSeq)
	}
	if s.Epoch() != 0 || st.VideoJitter != nil {
		t.Error("sequence stage must not report jitter state")
	}
}
