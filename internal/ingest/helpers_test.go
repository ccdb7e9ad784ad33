package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/doorcast/relay/internal/directory"
	"github.com/doorcast/relay/internal/media"
	"github.com/doorcast/relay/internal/stream"
	"github.com/doorcast/relay/internal/transcode"
)

const testKey = "front-door-secret"

type fedFrame struct {
	kind    media.StreamKind
	payload string
	pts     int64
}

type fakeTranscoder struct {
	mu   sync.Mutex
	fed  []fedFrame
	done chan struct{}
}

func (f *fakeTranscoder) Start(context.Context) error { return nil }

func (f *fakeTranscoder) FeedVideo(payload []byte, pts int64) {
	f.record(media.KindVideo, payload, pts)
}

func (f *fakeTranscoder) FeedAudio(payload []byte, pts int64) {
	f.record(media.KindAudio, payload, pts)
}

func (f *fakeTranscoder) record(k media.StreamKind, payload []byte, pts int64) {
	f.mu.Lock()
	f.fed = append(f.fed, fedFrame{kind: k, payload: string(payload), pts: pts})
	f.mu.Unlock()
}

func (f *fakeTranscoder) Stop(context.Context) error {
	close(f.done)
	return nil
}

func (f *fakeTranscoder) Done() <-chan struct{} { return f.done }

func (f *fakeTranscoder) frames() []fedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fedFrame(nil), f.fed...)
}

type harness struct {
	manager *stream.Manager
	devices *directory.Static

	mu          sync.Mutex
	transcoders map[string]*fakeTranscoder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hash, err := directory.HashKey(testKey)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	h := &harness{
		devices: directory.NewStatic([]directory.Device{
			{ID: "D1", KeyHash: hash},
			{ID: "D2", KeyHash: hash},
		}, nil),
		transcoders: make(map[string]*fakeTranscoder),
	}
	h.manager = stream.NewManager(stream.Config{
		WorkRoot: t.TempDir(),
		NewTranscoder: func(deviceID, _ string, _ transcode.SegmentSink) transcode.Transcoder {
			f := &fakeTranscoder{done: make(chan struct{})}
			h.mu.Lock()
			h.transcoders[deviceID] = f
			h.mu.Unlock()
			return f
		},
	})
	t.Cleanup(func() { _ = h.manager.StopAll(context.Background()) })
	return h
}

func (h *harness) transcoder(deviceID string) *fakeTranscoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transcoders[deviceID]
}

// waitFrames polls until the device's transcoder has received n frames.
func (h *harness) waitFrames(t *testing.T, deviceID string, n int) []fedFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tc := h.transcoder(deviceID); tc != nil {
			if got := tc.frames(); len(got) >= n {
				return got
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: transcoder did not receive %d frames", deviceID, n)
	return nil
}

// waitGone polls until the device has no pipeline.
func (h *harness) waitGone(t *testing.T, deviceID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.manager.Get(deviceID) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: pipeline still registered", deviceID)
}
