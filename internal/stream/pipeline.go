package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doorcast/relay/internal/codec"
	"github.com/doorcast/relay/internal/distribution"
	"github.com/doorcast/relay/internal/media"
	"github.com/doorcast/relay/internal/reorder"
	"github.com/doorcast/relay/internal/transcode"
)

// pumpInterval bounds how long released frames wait when no Notify arrives.
const pumpInterval = 10 * time.Millisecond

// FrameObserver is told about every frame handed to the transcoder.
type FrameObserver interface {
	RecordFrame(deviceID string, at time.Time)
}

// Pipeline is the runtime for one device's stream: the inbound reordering
// stage, an interleaver, the transcoder, and the broadcaster viewers read
// from. Structural fields (inbound, outbound) are guarded by the manager's
// per-device lock.
type Pipeline struct {
	DeviceID  string
	RunID     string
	CreatedAt time.Time
	WorkDir   string

	log         *slog.Logger
	broadcaster *distribution.Broadcaster
	transcoder  transcode.Transcoder
	frames      FrameObserver
	interleaver *reorder.Interleaver
	probe       codec.Probe

	state atomic.Int32

	// guarded by the device entry lock
	inbound  string
	outbound map[string]struct{}

	stageMu  sync.Mutex
	stage    reorder.Stage
	stageGen uint64

	wake       chan struct{}
	quit       chan struct{}
	workerDone chan struct{}

	// worker-owned
	stageEpoch uint64

	statsMu         sync.Mutex
	interleaveStats reorder.InterleaveStats

	transcoderExited atomic.Bool
	lastFrameAt      atomic.Int64
	videoFed         atomic.Int64
	audioFed         atomic.Int64
	discarded        atomic.Int64
}

func newPipeline(deviceID, runID, workDir string, replayDepth int, frames FrameObserver, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		DeviceID:    deviceID,
		RunID:       runID,
		CreatedAt:   time.Now(),
		WorkDir:     workDir,
		log:         log.With("device", deviceID, "run", runID),
		frames:      frames,
		interleaver: reorder.NewInterleaver(reorder.DefaultMaxHold),
		outbound:    make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
	p.broadcaster = distribution.NewBroadcaster(replayDepth, p.log)
	p.state.Store(int32(StateStarting))
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	p.log.Debug("pipeline state", "state", s.String())
}

// Broadcaster returns the segment fan-out viewers subscribe to.
func (p *Pipeline) Broadcaster() *distribution.Broadcaster { return p.broadcaster }

// SetInit forwards the transcoder's init segment to viewers.
func (p *Pipeline) SetInit(payload []byte) { p.broadcaster.SetInit(payload) }

// Publish forwards a completed cluster to viewers.
func (p *Pipeline) Publish(payload []byte) { p.broadcaster.Publish(payload) }

// Notify wakes the worker after the inbound connection inserted frames.
// It never blocks.
func (p *Pipeline) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// LastFrameAt returns when a frame last reached the transcoder.
func (p *Pipeline) LastFrameAt() time.Time {
	if ns := p.lastFrameAt.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (p *Pipeline) attachInbound(connID string, stage reorder.Stage) {
	p.inbound = connID
	p.stageMu.Lock()
	p.stage = stage
	p.stageGen++
	p.stageMu.Unlock()
	p.Notify()
}

func (p *Pipeline) detachInbound() {
	p.inbound = ""
	p.stageMu.Lock()
	p.stage = nil
	p.stageGen++
	p.stageMu.Unlock()
}

func (p *Pipeline) idle() bool {
	return p.inbound == "" && len(p.outbound) == 0
}

// run is the pipeline worker: it releases frames from the reordering stage,
// interleaves them and feeds the transcoder until quit is closed. Once the
// transcoder exits on its own, released frames are discarded and no longer
// reported to the frame observer, so the pipeline goes stale.
func (p *Pipeline) run() {
	defer close(p.workerDone)

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	exited := p.transcoder.Done()
	var gen uint64
	for {
		select {
		case <-p.quit:
			return
		case <-exited:
			exited = nil
			p.transcoderExited.Store(true)
			p.log.Error("transcoder exited while pipeline is active, discarding frames")
		case <-p.wake:
		case <-ticker.C:
		}
		gen = p.pump(time.Now(), gen)
	}
}

func (p *Pipeline) pump(now time.Time, gen uint64) uint64 {
	p.stageMu.Lock()
	stage, cur := p.stage, p.stageGen
	p.stageMu.Unlock()

	if cur != gen {
		// A new inbound connection restarts device timestamps.
		p.interleaver.Reset()
		p.probe.Reset()
		if stage != nil {
			p.stageEpoch = stage.Epoch()
		}
	}
	if stage != nil {
		video, audio := stage.Release(now)
		p.interleaver.Push(now, video...)
		p.interleaver.Push(now, audio...)
		if epoch := stage.Epoch(); epoch != p.stageEpoch {
			// The stage dropped its timing state: emit what belongs to the
			// old timeline, then restart pacing.
			p.stageEpoch = epoch
			for _, f := range p.interleaver.Flush() {
				p.feed(f, now)
			}
			p.interleaver.Reset()
			p.log.Info("reorder stage reset, restarting interleave", "epoch", epoch)
		}
	}
	for _, f := range p.interleaver.Drain(now) {
		p.feed(f, now)
	}

	p.statsMu.Lock()
	p.interleaveStats = p.interleaver.Stats()
	p.statsMu.Unlock()
	return cur
}

func (p *Pipeline) feed(f media.Frame, now time.Time) {
	if p.transcoderExited.Load() {
		p.discarded.Add(1)
		return
	}
	if f.Kind == media.KindAudio {
		p.probe.ObserveAudio(f.Payload)
		p.transcoder.FeedAudio(f.Payload, f.PTS)
		p.audioFed.Add(1)
	} else {
		if p.probe.ObserveVideo(f.Payload, now) && p.probe.Info().Keyframes == 1 {
			p.log.Info("first keyframe", "pts", f.PTS)
		}
		p.transcoder.FeedVideo(f.Payload, f.PTS)
		p.videoFed.Add(1)
	}
	p.lastFrameAt.Store(now.UnixNano())
	if p.frames != nil {
		p.frames.RecordFrame(p.DeviceID, now)
	}
}

// TranscoderExited reports whether the transcoder stopped on its own while
// the pipeline was running.
func (p *Pipeline) TranscoderExited() bool { return p.transcoderExited.Load() }

// stopWorker halts the worker and waits for it to exit.
func (p *Pipeline) stopWorker() {
	select {
	case <-p.quit:
	default:
		close(p.quit)
	}
	<-p.workerDone
}

// Info is a point-in-time summary of a pipeline.
type Info struct {
	DeviceID         string                  `json:"deviceId"`
	RunID            string                  `json:"runId"`
	State            string                  `json:"state"`
	Inbound          string                  `json:"inbound,omitempty"`
	Viewers          int                     `json:"viewers"`
	CreatedAt        time.Time               `json:"createdAt"`
	LastFrameAt      time.Time               `json:"lastFrameAt,omitzero"`
	VideoFed         int64                   `json:"videoFed"`
	AudioFed         int64                   `json:"audioFed"`
	Discarded        int64                   `json:"discarded"`
	Segments         int64                   `json:"segments"`
	TranscoderExited bool                    `json:"transcoderExited"`
	Stream           codec.StreamInfo        `json:"stream"`
	Interleave       reorder.InterleaveStats `json:"interleave"`
	Reorder          *reorder.StageStats     `json:"reorder,omitempty"`
	Transcoder       *transcode.EngineStats  `json:"transcoder,omitempty"`
}

// statsReporter is implemented by transcoders that expose counters, such
// as *transcode.Engine.
type statsReporter interface {
	Stats() transcode.EngineStats
}

func (p *Pipeline) info() Info {
	info := Info{
		DeviceID:         p.DeviceID,
		RunID:            p.RunID,
		State:            p.State().String(),
		Inbound:          p.inbound,
		Viewers:          len(p.outbound),
		CreatedAt:        p.CreatedAt,
		LastFrameAt:      p.LastFrameAt(),
		VideoFed:         p.videoFed.Load(),
		AudioFed:         p.audioFed.Load(),
		Discarded:        p.discarded.Load(),
		Segments:         p.broadcaster.Stats().Published,
		TranscoderExited: p.transcoderExited.Load(),
		Stream:           p.probe.Info(),
	}
	p.statsMu.Lock()
	info.Interleave = p.interleaveStats
	p.statsMu.Unlock()

	p.stageMu.Lock()
	stage := p.stage
	p.stageMu.Unlock()
	if stage != nil {
		st := stage.Stats()
		info.Reorder = &st
	}
	if r, ok := p.transcoder.(statsReporter); ok {
		st := r.Stats()
		info.Transcoder = &st
	}
	return info
}
