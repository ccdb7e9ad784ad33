package reorder

import (
	"math/rand"
	"testing"
	"time"

	"github.com/doorcast/relay/internal/media"
)

func seqFrame(seq uint32, arrival time.Time) media.Frame {
	return media.Frame{Kind: media.KindVideo, Seq: seq, HasSeq: true, PTS: int64(seq) * 33, Arrival: arrival}
}

func seqs(frames []media.Frame) []uint32 {
	out := make([]uint32, len(frames))
	for i, f := range frames {
		out[i] = f.Seq
	}
	return out
}

func TestSequenceBufferInOrder(t *testing.T) {
	t.Parallel()

	b := NewSequenceBuffer(SequenceConfig{})
	now := time.Now()
	for i := uint32(0); i < 5; i++ {
		b.Insert(seqFrame(i, now))
	}

	got := b.Release(now)
	if len(got) != 5 {
		t.Fatalf("released %d frames, want 5", len(got))
	}
	for i, s := range seqs(got) {
		if s != uint32(i) {
			t.Errorf("frame %d: got seq %d", i, s)
		}
	}
	if b.NextExpected() != 5 {
		t.Errorf("NextExpected: got %d, want 5", b.NextExpected())
	}
}

func TestSequenceBufferHoldsGapUntilFilled(t *testing.T) {
	t.Parallel()

	b := NewSequenceBuffer(SequenceConfig{MaxReorderDelay: time.Second})
	now := time.Now()

	b.Insert(seqFrame(0, now))
	b.Insert(seqFrame(2, now))
	if got := seqs(b.Release(now)); len(got) != 1 || got[0] != 0 {
		t.Fatalf("first release: got %v, want [0]", got)
	}
	if b.Len() != 1 {
		t.Fatalf("Len: got %d, want 1 (seq 2 held)", b.Len())
	}

	b.Insert(seqFrame(1, now))
	got := seqs(b.Release(now))
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("second release: got %v, want [1 2]", got)
	}
}

func TestSequenceBufferReleaseRules(t *testing.T) {
	t.Parallel()

	base := time.Now()

	tests := []struct {
		name string
		cfg  SequenceConfig
		seqs []uint32
		at   time.Time
		want []uint32
	}{
		{
			name: "aged frame released past gap",
			cfg:  SequenceConfig{MaxReorderDelay: 50 * time.Millisecond, MaxSequenceGap: 100},
			seqs: []uint32{0, 3},
			at:   base.Add(60 * time.Millisecond),
			want: []uint32{0, 3},
		},
		{
			name: "young frame within gap held",
			cfg:  SequenceConfig{MaxReorderDelay: 50 * time.Millisecond, MaxSequenceGap: 100},
			seqs: []uint32{0, 3},
			at:   base.Add(10 * time.Millisecond),
			want: []uint32{0},
		},
		{
			name: "gap exceeded",
			cfg:  SequenceConfig{MaxReorderDelay: time.Hour, MaxSequenceGap: 2},
			seqs: []uint32{0, 10},
			at:   base,
			want: []uint32{0, 10},
		},
		{
			name: "overflow",
			cfg:  SequenceConfig{MaxReorderDelay: time.Hour, MaxSequenceGap: 1000, MaxSize: 2},
			seqs: []uint32{0, 5, 7, 9},
			at:   base,
			want: []uint32{0, 5},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := NewSequenceBuffer(tc.cfg)
			for _, s := range tc.seqs {
				b.Insert(seqFrame(s, base))
			}
			got := seqs(b.Release(tc.at))
			if len(got) != len(tc.want) {
				t.Fatalf("released %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("released %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestSequenceBufferLateFrame(t *testing.T) {
	t.Parallel()

	b := NewSequenceBuffer(SequenceConfig{})
	now := time.Now()
	b.Insert(seqFrame(5, now))
	b.Insert(seqFrame(6, now))
	b.Release(now)

	b.Insert(seqFrame(2, now))
	got := seqs(b.Release(now))
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("late release: got %v, want [2]", got)
	}
	if b.NextExpected() != 7 {
		t.Errorf("NextExpected moved backwards: got %d, want 7", b.NextExpected())
	}
	if b.Stats().Late != 1 {
		t.Errorf("Late: got %d, want 1", b.Stats().Late)
	}
}

func TestSequenceBufferMonotonicity(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	b := NewSequenceBuffer(SequenceConfig{
		MaxReorderDelay: 40 * time.Millisecond,
		MaxSequenceGap:  8,
		MaxSize:         16,
	})

	order := rng.Perm(500)
	clock := time.Now()
	lastNonLate := int64(-1)

	for _, s := range order {
		clock = clock.Add(time.Duration(rng.Intn(5)) * time.Millisecond)
		b.Insert(seqFrame(uint32(s), clock))

		before := b.NextExpected()
		next := before
		for _, f := range b.Release(clock) {
			if f.Seq < next {
				continue // tolerated late release
			}
			if int64(f.Seq) < lastNonLate {
				t.Fatalf("seq %d released after %d", f.Seq, lastNonLate)
			}
			lastNonLate = int64(f.Seq)
			next = max(next, f.Seq+1)
		}
		if after := b.NextExpected(); after < before {
			t.Fatalf("NextExpected decreased: %d -> %d", before, after)
		}
	}
}
