// Package fragment reassembles logical media frames that devices split
// across several UDP datagrams.
package fragment

import (
	"log/slog"
	"sync"
	"time"

	"github.com/doorcast/relay/internal/wire"
)

// DefaultTimeout is how long an incomplete frame may go without receiving a
// new fragment before it is dropped.
const DefaultTimeout = time.Second

type key struct {
	typ wire.PacketType
	pts uint32
}

type assembly struct {
	parts      map[uint8][]byte
	endIndex   uint8
	haveEnd    bool
	size       int
	lastUpdate time.Time
}

// Stats counts assembler outcomes.
type Stats struct {
	Completed  int64 `json:"completed"`
	Expired    int64 `json:"expired"`
	Duplicates int64 `json:"duplicates"`
	Pending    int   `json:"pending"`
}

// Assembler collects fragments per (stream type, pts) until a frame is
// complete. One Assembler belongs to one UDP session, so fragments from
// different devices never share state.
type Assembler struct {
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[key]*assembly
	stats   Stats
}

// NewAssembler creates an Assembler. A non-positive timeout selects
// DefaultTimeout; a nil log selects slog.Default().
func NewAssembler(timeout time.Duration, log *slog.Logger) *Assembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		log:     log.With("component", "fragment-assembler"),
		timeout: timeout,
		pending: make(map[key]*assembly),
	}
}

// Add feeds one media packet. It returns the assembled frame payload and
// true once the end-flagged fragment and every index up to it are present.
// A packet flagged as both start and end is returned immediately.
func (a *Assembler) Add(pkt wire.UDPPacket, now time.Time) ([]byte, bool) {
	if pkt.IsFragmentStart() && pkt.IsFragmentEnd() && pkt.FragmentIndex == 0 {
		a.mu.Lock()
		a.stats.Completed++
		a.mu.Unlock()
		return pkt.Payload, true
	}

	k := key{typ: pkt.Type, pts: pkt.PTS}

	a.mu.Lock()
	defer a.mu.Unlock()

	asm, ok := a.pending[k]
	if !ok {
		asm = &assembly{parts: make(map[uint8][]byte)}
		a.pending[k] = asm
	}
	asm.lastUpdate = now

	if asm.haveEnd && pkt.FragmentIndex > asm.endIndex {
		return nil, false
	}
	if _, dup := asm.parts[pkt.FragmentIndex]; dup {
		a.stats.Duplicates++
	} else {
		asm.parts[pkt.FragmentIndex] = pkt.Payload
		asm.size += len(pkt.Payload)
	}
	if pkt.IsFragmentEnd() && !asm.haveEnd {
		asm.haveEnd = true
		asm.endIndex = pkt.FragmentIndex
		for idx, part := range asm.parts {
			if idx > asm.endIndex {
				asm.size -= len(part)
				delete(asm.parts, idx)
			}
		}
	}

	if !asm.haveEnd || len(asm.parts) != int(asm.endIndex)+1 {
		return nil, false
	}

	out := make([]byte, 0, asm.size)
	for i := 0; i <= int(asm.endIndex); i++ {
		out = append(out, asm.parts[uint8(i)]...)
	}
	delete(a.pending, k)
	a.stats.Completed++
	return out, true
}

// Expire drops assemblies that have not received a fragment within the
// timeout and returns how many were dropped.
func (a *Assembler) Expire(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for k, asm := range a.pending {
		if now.Sub(asm.lastUpdate) <= a.timeout {
			continue
		}
		delete(a.pending, k)
		dropped++
		a.log.Debug("dropping incomplete frame",
			"type", k.typ, "pts", k.pts,
			"fragments", len(asm.parts), "have_end", asm.haveEnd)
	}
	a.stats.Expired += int64(dropped)
	return dropped
}

// Pending returns the number of frames awaiting fragments.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Stats returns a snapshot of the assembler counters.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Pending = len(a.pending)
	return s
}
