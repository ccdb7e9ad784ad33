package fragment

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/doorcast/relay/internal/wire"
)

// split cuts payload into n fragments of one logical frame.
func split(typ wire.PacketType, pts uint32, payload []byte, n int) []wire.UDPPacket {
	size := (len(payload) + n - 1) / n
	pkts := make([]wire.UDPPacket, 0, n)
	for i := 0; i < n; i++ {
		lo := i * size
		hi := min(lo+size, len(payload))
		p := wire.UDPPacket{Type: typ, PTS: pts, FragmentIndex: uint8(i), Payload: payload[lo:hi]}
		if i == 0 {
			p.Flags |= wire.FlagFragmentStart
		}
		if i == n-1 {
			p.Flags |= wire.FlagFragmentEnd
		}
		pkts = append(pkts, p)
	}
	return pkts
}

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestAssemblerSingleFragment(t *testing.T) {
	t.Parallel()

	a := NewAssembler(0, nil)
	pkt := wire.UDPPacket{Type: wire.TypeVideo, PTS: 10,
		Flags: wire.FlagFragmentStart | wire.FlagFragmentEnd, Payload: []byte{1, 2}}

	got, ok := a.Add(pkt, time.Now())
	if !ok {
		t.Fatal("single fragment frame not returned immediately")
	}
	if !bytes.Equal(got, pkt.Payload) {
		t.Errorf("payload: got %x, want %x", got, pkt.Payload)
	}
	if a.Pending() != 0 {
		t.Errorf("pending: got %d, want 0", a.Pending())
	}
}

func TestAssemblerInOrder(t *testing.T) {
	t.Parallel()

	a := NewAssembler(0, nil)
	payload := payloadOf(1000)
	pkts := split(wire.TypeVideo, 1000, payload, 10)
	now := time.Now()

	for i, p := range pkts {
		got, ok := a.Add(p, now)
		if i < len(pkts)-1 {
			if ok {
				t.Fatalf("frame completed early at fragment %d", i)
			}
			continue
		}
		if !ok {
			t.Fatal("frame not completed after last fragment")
		}
		if !bytes.Equal(got, payload) {
			t.Error("reassembled payload differs")
		}
	}
}

func TestAssemblerAnyOrderWithDuplicates(t *testing.T) {
	t.Parallel()

	payload := payloadOf(777)
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		a := NewAssembler(0, nil)
		pkts := split(wire.TypeAudio, 5, payload, 7)
		// Duplicate a few fragments, then shuffle.
		pkts = append(pkts, pkts[rng.Intn(len(pkts))], pkts[rng.Intn(len(pkts))])
		rng.Shuffle(len(pkts), func(i, j int) { pkts[i], pkts[j] = pkts[j], pkts[i] })

		var got []byte
		completed := 0
		for _, p := range pkts {
			if out, ok := a.Add(p, time.Now()); ok {
				got = out
				completed++
			}
		}
		if completed < 1 {
			t.Fatalf("trial %d: frame never completed", trial)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("trial %d: reassembled payload differs from in-order delivery", trial)
		}
	}
}

func TestAssemblerKeysByTypeAndPTS(t *testing.T) {
	t.Parallel()

	a := NewAssembler(0, nil)
	now := time.Now()
	video := split(wire.TypeVideo, 1000, []byte{1, 2, 3, 4}, 2)
	audio := split(wire.TypeAudio, 1000, []byte{9, 8}, 2)

	a.Add(video[0], now)
	a.Add(audio[0], now)

	v, ok := a.Add(video[1], now)
	if !ok || !bytes.Equal(v, []byte{1, 2, 3, 4}) {
		t.Errorf("video: got (%x, %v)", v, ok)
	}
	au, ok := a.Add(audio[1], now)
	if !ok || !bytes.Equal(au, []byte{9, 8}) {
		t.Errorf("audio: got (%x, %v)", au, ok)
	}
}

func TestAssemblerExpiresIncomplete(t *testing.T) {
	t.Parallel()

	a := NewAssembler(time.Second, nil)
	start := time.Now()
	pkts := split(wire.TypeVideo, 42, payloadOf(30), 3)

	a.Add(pkts[0], start)
	a.Add(pkts[2], start)

	if n := a.Expire(start.Add(500 * time.Millisecond)); n != 0 {
		t.Fatalf("expired too early: %d", n)
	}
	if n := a.Expire(start.Add(1500 * time.Millisecond)); n != 1 {
		t.Fatalf("expired: got %d, want 1", n)
	}

	// The missing middle fragment arriving late starts a fresh assembly
	// that cannot complete on its own.
	if _, ok := a.Add(pkts[1], start.Add(2*time.Second)); ok {
		t.Error("dropped frame was returned after expiry")
	}
	if s := a.Stats(); s.Expired != 1 {
		t.Errorf("Expired: got %d, want 1", s.Expired)
	}
}
