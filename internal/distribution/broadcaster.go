package distribution

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doorcast/relay/internal/media"
)

// DefaultReplayDepth is the number of recent clusters kept for late joiners.
const DefaultReplayDepth = 5

// Subscription is one viewer's live feed from a Broadcaster. Segments is
// closed when the subscription ends: on Unsubscribe, on Broadcaster.Close,
// or when the viewer falls so far behind that its queue overflows.
type Subscription struct {
	id         string
	ch         chan media.Segment
	closed     bool
	overflowed atomic.Bool
}

// ID returns the subscriber id passed to Subscribe.
func (s *Subscription) ID() string { return s.id }

// Segments yields live segments in production order.
func (s *Subscription) Segments() <-chan media.Segment { return s.ch }

// Overflowed reports whether the subscription was closed because the
// viewer could not keep up.
func (s *Subscription) Overflowed() bool { return s.overflowed.Load() }

// Broadcaster fans transcoder output out to viewers of one pipeline. It
// keeps the init segment and a fixed-depth FIFO of the most recent clusters.
// Publish and Subscribe serialize on one lock, so every subscriber sees its
// catch-up followed by live segments with nothing skipped in between.
type Broadcaster struct {
	log *slog.Logger

	mu       sync.Mutex
	capacity int
	init     *media.Segment
	replay   []media.Segment
	next     uint64
	subs     map[string]*Subscription
	closed   bool

	published   atomic.Int64
	overflowed  atomic.Int64
	lastPublish atomic.Int64
}

// NewBroadcaster creates a broadcaster retaining capacity clusters for
// replay. Non-positive capacity uses DefaultReplayDepth.
func NewBroadcaster(capacity int, log *slog.Logger) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultReplayDepth
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		log:      log.With("component", "broadcaster"),
		capacity: capacity,
		replay:   make([]media.Segment, 0, capacity),
		next:     1,
		subs:     make(map[string]*Subscription),
	}
}

// SetInit stores the container header. Subscribers already attached, which
// either joined before it existed or hold a stale one, receive it live.
func (b *Broadcaster) SetInit(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	seg := media.Segment{Index: 0, Timestamp: time.Now(), Payload: payload, Init: true}
	replaced := b.init != nil
	b.init = &seg
	b.fanOut(seg)
	b.log.Debug("init segment set", "bytes", len(payload), "replaced", replaced)
}

// Publish appends a cluster to the replay buffer and delivers it to every
// live subscriber. It never blocks on a slow viewer.
func (b *Broadcaster) Publish(payload []byte) media.Segment {
	b.mu.Lock()
	defer b.mu.Unlock()

	seg := media.Segment{Index: b.next, Timestamp: time.Now(), Payload: payload}
	if b.closed {
		return seg
	}
	b.next++

	if len(b.replay) == b.capacity {
		copy(b.replay, b.replay[1:])
		b.replay[len(b.replay)-1] = seg
	} else {
		b.replay = append(b.replay, seg)
	}

	b.fanOut(seg)
	b.published.Add(1)
	b.lastPublish.Store(seg.Timestamp.UnixNano())
	return seg
}

// fanOut must be called with b.mu held.
func (b *Broadcaster) fanOut(seg media.Segment) {
	for id, sub := range b.subs {
		select {
		case sub.ch <- seg:
		default:
			sub.overflowed.Store(true)
			b.closeSub(sub)
			delete(b.subs, id)
			b.overflowed.Add(1)
			b.log.Warn("subscriber fell behind, disconnecting", "subscriber", id, "segment", seg.Index)
		}
	}
}

func (b *Broadcaster) closeSub(sub *Subscription) {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Subscribe attaches a live subscriber. It returns the init segment (nil if
// the transcoder has not produced one yet), the buffered clusters in
// production order, and the live subscription. Subscribing an id that is
// already attached replaces the old subscription.
func (b *Broadcaster) Subscribe(id string) (*media.Segment, []media.Segment, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{id: id, ch: make(chan media.Segment, media.SegmentQueueSize)}
	if b.closed {
		b.closeSub(sub)
		return nil, nil, sub
	}
	if old, ok := b.subs[id]; ok {
		b.closeSub(old)
	}
	b.subs[id] = sub

	var init *media.Segment
	if b.init != nil {
		cp := *b.init
		init = &cp
	}
	catchup := make([]media.Segment, len(b.replay))
	copy(catchup, b.replay)
	return init, catchup, sub
}

// Unsubscribe detaches a subscriber and closes its feed.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		b.closeSub(sub)
		delete(b.subs, id)
	}
}

// BufferedSegments returns the replay buffer in production order.
func (b *Broadcaster) BufferedSegments() []media.Segment {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]media.Segment, len(b.replay))
	copy(out, b.replay)
	return out
}

// SubscriberCount returns the number of attached live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber. Later Publish calls are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		b.closeSub(sub)
		delete(b.subs, id)
	}
	b.replay = nil
}

// BroadcastStats is a snapshot of broadcaster counters.
type BroadcastStats struct {
	Published   int64
	Overflowed  int64
	Subscribers int
	LastPublish time.Time
}

// Stats returns a snapshot of the broadcaster counters.
func (b *Broadcaster) Stats() BroadcastStats {
	st := BroadcastStats{
		Published:   b.published.Load(),
		Overflowed:  b.overflowed.Load(),
		Subscribers: b.SubscriberCount(),
	}
	if ns := b.lastPublish.Load(); ns != 0 {
		st.LastPublish = time.Unix(0, ns)
	}
	return st
}
