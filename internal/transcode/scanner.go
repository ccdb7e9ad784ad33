package transcode

import (
	"bytes"
	"log/slog"
	"sync/atomic"
)

// ClusterMarker is the EBML element ID that starts every Matroska/WebM
// cluster.
var ClusterMarker = []byte{0x1F, 0x43, 0xB6, 0x75}

// Size limits for buffered output. Anything larger is treated as a corrupt
// chunk and skipped.
const (
	maxInitSize    = 1 << 20
	maxClusterSize = 16 << 20
)

// SegmentSink receives the engine's output: the init segment once, then
// every completed cluster in order.
type SegmentSink interface {
	SetInit(payload []byte)
	Publish(payload []byte)
}

// ClusterScanner splits a raw WebM byte stream into the init segment and
// clusters. It implements io.Writer so the transcoder's stdout can be copied
// straight into it. Payloads handed to the sink are copies.
type ClusterScanner struct {
	log  *slog.Logger
	sink SegmentSink

	buf        []byte
	scanFrom   int
	initDone   bool
	discarding bool
	clusters   atomic.Int64
	skipped    atomic.Int64
}

// NewClusterScanner creates a scanner delivering to sink.
func NewClusterScanner(sink SegmentSink, log *slog.Logger) *ClusterScanner {
	if log == nil {
		log = slog.Default()
	}
	return &ClusterScanner{log: log, sink: sink}
}

// Write consumes output bytes and emits every segment they complete. It
// never returns an error; oversized chunks are logged and skipped.
func (s *ClusterScanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	markerLen := len(ClusterMarker)

	for {
		switch {
		case !s.initDone:
			i := bytes.Index(s.buf[s.scanFrom:], ClusterMarker)
			if i < 0 {
				if len(s.buf) > maxInitSize {
					s.log.Warn("no cluster marker in output header, discarding", "bytes", len(s.buf))
					s.skipped.Add(1)
					s.keepTail()
				}
				s.scanFrom = max(0, len(s.buf)-markerLen+1)
				return len(p), nil
			}
			i += s.scanFrom
			s.sink.SetInit(bytes.Clone(s.buf[:i]))
			s.initDone = true
			s.buf = s.buf[i:]
			s.scanFrom = markerLen

		case s.discarding:
			i := bytes.Index(s.buf, ClusterMarker)
			if i < 0 {
				s.keepTail()
				return len(p), nil
			}
			s.buf = s.buf[i:]
			s.discarding = false
			s.scanFrom = markerLen

		default:
			from := max(s.scanFrom, markerLen)
			if from >= len(s.buf) {
				return len(p), nil
			}
			i := bytes.Index(s.buf[from:], ClusterMarker)
			if i < 0 {
				if len(s.buf) > maxClusterSize {
					s.log.Warn("cluster exceeds size limit, skipping", "bytes", len(s.buf))
					s.skipped.Add(1)
					s.discarding = true
					s.keepTail()
					return len(p), nil
				}
				s.scanFrom = max(markerLen, len(s.buf)-markerLen+1)
				return len(p), nil
			}
			end := from + i
			s.sink.Publish(bytes.Clone(s.buf[:end]))
			s.clusters.Add(1)
			s.buf = s.buf[end:]
			s.scanFrom = markerLen
		}
	}
}

// keepTail keeps only the bytes that could begin a marker split across
// writes.
func (s *ClusterScanner) keepTail() {
	keep := min(len(s.buf), len(ClusterMarker)-1)
	s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
	s.scanFrom = 0
}

// Flush emits the trailing cluster, if any, at end of stream.
func (s *ClusterScanner) Flush() {
	if s.initDone && !s.discarding && len(s.buf) > len(ClusterMarker) {
		s.sink.Publish(bytes.Clone(s.buf))
		s.clusters.Add(1)
	}
	s.buf = nil
	s.scanFrom = 0
}

// Clusters returns the number of clusters emitted.
func (s *ClusterScanner) Clusters() int64 { return s.clusters.Load() }

// Skipped returns the number of oversized chunks discarded.
func (s *ClusterScanner) Skipped() int64 { return s.skipped.Load() }
