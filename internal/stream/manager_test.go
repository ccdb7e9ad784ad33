package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/doorcast/relay/internal/health"
	"github.com/doorcast/relay/internal/media"
	"github.com/doorcast/relay/internal/reorder"
	"github.com/doorcast/relay/internal/transcode"
)

type fakeTranscoder struct {
	sink     transcode.SegmentSink
	startErr error
	stopErr  error

	mu      sync.Mutex
	order   []media.StreamKind
	started bool
	stopped bool
	done    chan struct{}
	exit    sync.Once
}

func (f *fakeTranscoder) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscoder) FeedVideo([]byte, int64) { f.record(media.KindVideo) }
func (f *fakeTranscoder) FeedAudio([]byte, int64) { f.record(media.KindAudio) }

func (f *fakeTranscoder) record(k media.StreamKind) {
	f.mu.Lock()
	f.order = append(f.order, k)
	f.mu.Unlock()
}

func (f *fakeTranscoder) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.exit.Do(func() { close(f.done) })
	return f.stopErr
}

// crash simulates the process dying on its own.
func (f *fakeTranscoder) crash() { f.exit.Do(func() { close(f.done) }) }

func (f *fakeTranscoder) Done() <-chan struct{} { return f.done }

func (f *fakeTranscoder) fed() []media.StreamKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]media.StreamKind(nil), f.order...)
}

func (f *fakeTranscoder) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type transcoderSet struct {
	mu       sync.Mutex
	made     []*fakeTranscoder
	startErr error
	stopErr  error
}

func (s *transcoderSet) factory(_, _ string, sink transcode.SegmentSink) transcode.Transcoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &fakeTranscoder{sink: sink, startErr: s.startErr, stopErr: s.stopErr, done: make(chan struct{})}
	s.made = append(s.made, f)
	return f
}

func (s *transcoderSet) last(t *testing.T) *fakeTranscoder {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.made) == 0 {
		t.Fatal("no transcoder created")
	}
	return s.made[len(s.made)-1]
}

func (s *transcoderSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.made)
}

type countingObserver struct {
	started atomic.Int32
	stopped atomic.Int32
}

func (o *countingObserver) PipelineStarted(string) { o.started.Add(1) }
func (o *countingObserver) PipelineStopped(string) { o.stopped.Add(1) }

func newTestManager(t *testing.T, set *transcoderSet, obs ...Observer) *Manager {
	t.Helper()
	return NewManager(Config{
		WorkRoot:      t.TempDir(),
		NewTranscoder: set.factory,
		StopTimeout:   time.Second,
		Observers:     obs,
	})
}

func seqStage() reorder.Stage {
	return reorder.NewSequenceStage(reorder.SequenceConfig{})
}

func TestRegisterInboundStartsPipeline(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	obs := &countingObserver{}
	m := newTestManager(t, set, obs)

	p, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	if err != nil {
		t.Fatalf("RegisterInbound: %v", err)
	}
	if p.State() != StateActive {
		t.Errorf("state: got %s, want active", p.State())
	}
	if _, err := os.Stat(p.WorkDir); err != nil {
		t.Errorf("work dir missing: %v", err)
	}
	if m.Get("D1") != p {
		t.Error("Get should return the registered pipeline")
	}
	if obs.started.Load() != 1 {
		t.Errorf("observer started: got %d, want 1", obs.started.Load())
	}

	again, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	if err != nil || again != p {
		t.Errorf("re-registering the same connection: got %v, %v", again, err)
	}
	if set.count() != 1 {
		t.Errorf("transcoders created: got %d, want 1", set.count())
	}
}

func TestRegisterInboundConflict(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	m := newTestManager(t, set)

	if _, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage()); err != nil {
		t.Fatal(err)
	}
	_, err := m.RegisterInbound(context.Background(), "D1", "c2", seqStage())
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err: got %v, want ErrConflict", err)
	}
}

func TestConcurrentRegisterInboundSingleWinner(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	m := newTestManager(t, set)

	const n = 16
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			connID := string(rune('a' + i))
			_, err := m.RegisterInbound(context.Background(), "D1", connID, seqStage())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != n-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins.Load(), conflicts.Load(), n-1)
	}
	if set.count() != 1 {
		t.Errorf("transcoders created: got %d, want 1", set.count())
	}
}

func TestStartFailureLeavesNothingBehind(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{startErr: &transcode.ResourceError{Op: "exec ffmpeg", Err: os.ErrNotExist}}
	obs := &countingObserver{}
	root := t.TempDir()
	m := NewManager(Config{WorkRoot: root, NewTranscoder: set.factory, Observers: []Observer{obs}})

	_, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	var re *transcode.ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("err: got %v, want ResourceError", err)
	}
	if m.Get("D1") != nil {
		t.Error("failed pipeline should not be registered")
	}
	if obs.started.Load() != 0 {
		t.Error("observers should not see a failed start")
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("work root should be empty, has %d entries", len(entries))
	}

	set.mu.Lock()
	set.startErr = nil
	set.mu.Unlock()
	if _, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage()); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestTeardownWhenIdle(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	obs := &countingObserver{}
	m := newTestManager(t, set, obs)

	p, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterOutbound("D1", "v1"); err != nil {
		t.Fatal(err)
	}

	m.UnregisterInbound("D1", "c1")
	if p.State() != StateActive {
		t.Fatalf("pipeline with a viewer should stay active, got %s", p.State())
	}
	if set.last(t).wasStopped() {
		t.Fatal("transcoder stopped while a viewer remains")
	}

	m.UnregisterOutbound("D1", "v1")
	if p.State() != StateStopped {
		t.Errorf("state: got %s, want stopped", p.State())
	}
	if !set.last(t).wasStopped() {
		t.Error("transcoder should be stopped")
	}
	if _, err := os.Stat(p.WorkDir); !os.IsNotExist(err) {
		t.Errorf("work dir should be removed, stat err: %v", err)
	}
	if m.Get("D1") != nil {
		t.Error("stopped pipeline should be unregistered")
	}
	if obs.stopped.Load() != 1 {
		t.Errorf("observer stopped: got %d, want 1", obs.stopped.Load())
	}
}

func TestStaleUnregisterIgnored(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	m := newTestManager(t, set)

	p, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	if err != nil {
		t.Fatal(err)
	}
	m.UnregisterInbound("D1", "other")
	m.UnregisterOutbound("D1", "nobody")
	m.UnregisterInbound("missing", "c1")
	if p.State() != StateActive {
		t.Errorf("state: got %s, want active", p.State())
	}
}

func TestDeviceReconnectKeepsPipeline(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	m := newTestManager(t, set)

	p, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterOutbound("D1", "v1"); err != nil {
		t.Fatal(err)
	}
	m.UnregisterInbound("D1", "c1")

	p2, err := m.RegisterInbound(context.Background(), "D1", "c2", seqStage())
	if err != nil {
		t.Fatal(err)
	}
	if p2 != p {
		t.Error("reconnect should reuse the running pipeline")
	}
	if set.count() != 1 {
		t.Errorf("transcoders created: got %d, want 1", set.count())
	}
}

func TestWaitForPipelineTimeout(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &transcoderSet{})

	start := time.Now()
	_, err := m.WaitForPipeline(context.Background(), "D1", 50*time.Millisecond)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err: got %v, want ErrUnavailable", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("WaitForPipeline returned before the timeout")
	}
	if m.Get("D1") != nil {
		t.Error("waiting must not create a pipeline")
	}
}

func TestWaitForPipelineWakesOnStart(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &transcoderSet{})

	got := make(chan *Pipeline, 1)
	go func() {
		p, err := m.WaitForPipeline(context.Background(), "D1", 5*time.Second)
		if err != nil {
			t.Errorf("WaitForPipeline: %v", err)
		}
		got <- p
	}()

	time.Sleep(20 * time.Millisecond)
	p, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case w := <-got:
		if w != p {
			t.Error("waiter received a different pipeline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitForPipelineContextCancel(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &transcoderSet{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.WaitForPipeline(ctx, "D1", time.Second)
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.Canceled) {
		t.Errorf("err: got %v", err)
	}
}

func TestAttachViewer(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	m := newTestManager(t, set)

	p, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.AttachViewer(context.Background(), "D1", "v1", time.Second)
	if err != nil {
		t.Fatalf("AttachViewer: %v", err)
	}
	if b != p.Broadcaster() {
		t.Error("AttachViewer should return the pipeline broadcaster")
	}
	if infos := m.List(); len(infos) != 1 || infos[0].Viewers != 1 {
		t.Errorf("List: %+v", infos)
	}

	m.UnregisterInbound("D1", "c1")
	m.DetachViewer("D1", "v1")
	if p.State() != StateStopped {
		t.Errorf("state: got %s, want stopped", p.State())
	}
}

func TestPipelineFeedsTranscoderInOrder(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	m := newTestManager(t, set)

	stage := seqStage()
	p, err := m.RegisterInbound(context.Background(), "D1", "c1", stage)
	if err != nil {
		t.Fatal(err)
	}

	stage.Insert(media.Frame{Kind: media.KindAudio, Seq: 0, PTS: 1000, Payload: []byte("a")})
	stage.Insert(media.Frame{Kind: media.KindVideo, Seq: 0, PTS: 1000, Payload: []byte("v")})
	p.Notify()

	deadline := time.Now().Add(2 * time.Second)
	for len(set.last(t).fed()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	fed := set.last(t).fed()
	if len(fed) != 2 || fed[0] != media.KindVideo || fed[1] != media.KindAudio {
		t.Errorf("feed order: got %v, want [video audio]", fed)
	}
	if p.LastFrameAt().IsZero() {
		t.Error("LastFrameAt should be set after feeding")
	}
}

func waitFed(t *testing.T, f *fakeTranscoder, n int) []media.StreamKind {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(f.fed()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	fed := f.fed()
	if len(fed) < n {
		t.Fatalf("transcoder got %d frames, want %d", len(fed), n)
	}
	return fed
}

func TestCrashedTranscoderGoesStale(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	tracker := health.NewTracker(100*time.Millisecond, nil, nil)
	m := NewManager(Config{
		WorkRoot:      t.TempDir(),
		NewTranscoder: set.factory,
		StopTimeout:   time.Second,
		Observers:     []Observer{tracker},
		Frames:        tracker,
	})

	stage := seqStage()
	p, err := m.RegisterInbound(context.Background(), "D1", "c1", stage)
	if err != nil {
		t.Fatal(err)
	}
	stage.Insert(media.Frame{Kind: media.KindVideo, Seq: 0, PTS: 0, Payload: []byte("v")})
	p.Notify()
	fake := set.last(t)
	waitFed(t, fake, 1)

	fake.crash()
	deadline := time.Now().Add(2 * time.Second)
	for !p.TranscoderExited() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !p.TranscoderExited() {
		t.Fatal("pipeline did not notice the transcoder exit")
	}

	// The device keeps sending after the crash.
	for i := uint32(1); i <= 30; i++ {
		stage.Insert(media.Frame{Kind: media.KindVideo, Seq: i, PTS: int64(i) * 20, Payload: []byte("v")})
		p.Notify()
		time.Sleep(10 * time.Millisecond)
	}

	if got := tracker.Unhealthy(time.Now()); len(got) != 1 || got[0] != "D1" {
		t.Errorf("unhealthy: got %v, want [D1]", got)
	}
	if n := len(fake.fed()); n != 1 {
		t.Errorf("frames fed to exited transcoder: got %d, want 1", n)
	}
	if info := m.List(); len(info) != 1 || info[0].Discarded == 0 || !info[0].TranscoderExited {
		t.Errorf("pipeline info after crash: %+v", info)
	}
}

func TestDriftResetRestartsInterleave(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	m := newTestManager(t, set)

	stage := reorder.NewJitterStage(reorder.JitterConfig{MaxDriftMs: 500, MaxWait: time.Second})
	p, err := m.RegisterInbound(context.Background(), "D1", "c1", stage)
	if err != nil {
		t.Fatal(err)
	}
	fake := set.last(t)

	now := time.Now()
	stage.Insert(media.Frame{Kind: media.KindVideo, PTS: 0, Arrival: now, Payload: []byte("v")})
	stage.Insert(media.Frame{Kind: media.KindAudio, PTS: 2000, Arrival: now, Payload: []byte("a")})
	p.Notify()
	waitFed(t, fake, 2)
	if stage.Epoch() != 1 {
		t.Fatalf("drift reset did not happen: epoch %d", stage.Epoch())
	}

	now = time.Now()
	for pts := int64(40); pts <= 200; pts += 40 {
		stage.Insert(media.Frame{Kind: media.KindVideo, PTS: pts, Arrival: now, Payload: []byte("v")})
		stage.Insert(media.Frame{Kind: media.KindAudio, PTS: pts, Arrival: now, Payload: []byte("a")})
	}
	p.Notify()
	fed := waitFed(t, fake, 12)

	audio := 0
	for _, k := range fed[2:] {
		if k == media.KindAudio {
			audio++
		}
	}
	if audio != 5 {
		t.Errorf("audio frames after resync: got %d of 5 (fed %v)", audio, fed)
	}
	info := m.List()
	if len(info) != 1 || info[0].Interleave.Late != 0 || info[0].Reorder == nil || info[0].Reorder.Resets != 1 {
		t.Errorf("pipeline info after resync: %+v", info)
	}
}

func TestPipelinePublishReachesViewers(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	m := newTestManager(t, set)

	p, err := m.RegisterInbound(context.Background(), "D1", "c1", seqStage())
	if err != nil {
		t.Fatal(err)
	}
	sink := set.last(t).sink
	sink.SetInit([]byte("init"))
	sink.Publish([]byte("c1"))

	init, catchUp, sub := p.Broadcaster().Subscribe("v1")
	defer p.Broadcaster().Unsubscribe(sub.ID())
	if init == nil || string(init.Payload) != "init" {
		t.Errorf("init: got %v", init)
	}
	if len(catchUp) != 1 || string(catchUp[0].Payload) != "c1" {
		t.Errorf("catch-up: got %v", catchUp)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{}
	obs := &countingObserver{}
	m := newTestManager(t, set, obs)

	var pipelines []*Pipeline
	for _, id := range []string{"D1", "D2", "D3"} {
		p, err := m.RegisterInbound(context.Background(), id, "c-"+id, seqStage())
		if err != nil {
			t.Fatal(err)
		}
		pipelines = append(pipelines, p)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, p := range pipelines {
		if p.State() != StateStopped {
			t.Errorf("%s: state %s, want stopped", p.DeviceID, p.State())
		}
	}
	if obs.stopped.Load() != 3 {
		t.Errorf("observer stopped: got %d, want 3", obs.stopped.Load())
	}
	if len(m.List()) != 0 {
		t.Error("List should be empty after StopAll")
	}
	if _, err := m.RegisterInbound(context.Background(), "D4", "c", seqStage()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("register after StopAll: got %v, want ErrShuttingDown", err)
	}
}

func TestStopAllJoinsErrors(t *testing.T) {
	t.Parallel()
	set := &transcoderSet{stopErr: transcode.ErrForcedKill}
	m := newTestManager(t, set)

	for _, id := range []string{"D1", "D2"} {
		if _, err := m.RegisterInbound(context.Background(), id, "c", seqStage()); err != nil {
			t.Fatal(err)
		}
	}
	err := m.StopAll(context.Background())
	if !errors.Is(err, transcode.ErrForcedKill) {
		t.Errorf("err: got %v, want ErrForcedKill", err)
	}
	if len(m.WorkDirs()) != 0 {
		t.Error("no work dirs should remain registered")
	}
}

func TestSafeName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"D1", "D1"},
		{"front-door_2", "front-door_2"},
		{"../etc", "___etc"},
		{"a b/c", "a_b_c"},
	}
	for _, tt := range tests {
		if got := safeName(tt.in); got != tt.want {
			t.Errorf("safeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if filepath.Base(safeName("x/y")) != "x_y" {
		t.Error("safeName must not produce path separators")
	}
}
