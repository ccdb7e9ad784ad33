// Package media defines the value types that flow through the relay, from
// device ingest through transcoding and distribution.
package media

import "time"

// Queue sizes shared by producers and consumers of frames and segments.
// Doorbell cameras run at 15-30 fps, so the video queue holds ~2 seconds.
const (
	VideoQueueSize   = 60
	AudioQueueSize   = 120
	SegmentQueueSize = 32
)

// StreamKind identifies the elementary stream a frame belongs to.
type StreamKind uint8

// Stream kinds. The numeric values match the type byte of both wire formats.
const (
	KindVideo StreamKind = 1
	KindAudio StreamKind = 2
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Frame is one raw codec access unit received from a device. Video payloads
// are H.264 Annex B, audio payloads are ADTS AAC. Frames are created at
// ingest and consumed once by the reordering stage.
type Frame struct {
	Kind    StreamKind
	Payload []byte
	PTS     int64 // transport-native units (ms for WebSocket, device clock for UDP)
	DTS     int64 // UDP only; equals PTS when the device does not send one
	Seq     uint32
	HasSeq  bool // Seq is meaningful (WebSocket path)
	Arrival time.Time
}

// Segment is one appendable chunk of transcoder output. The init segment
// carries the container header every viewer needs before any cluster.
// Segments are immutable once produced.
type Segment struct {
	Index     uint64
	Timestamp time.Time
	Payload   []byte
	Init      bool
}
