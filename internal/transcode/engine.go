package transcode

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Transcoder consumes elementary video/audio frames and produces WebM
// segments for a SegmentSink.
type Transcoder interface {
	Start(ctx context.Context) error
	FeedVideo(payload []byte, pts int64)
	FeedAudio(payload []byte, pts int64)
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

const (
	defaultStopGrace = 3 * time.Second
	defaultQueueSize = 64
	// stderrTailLines is how much ffmpeg output is logged on a failed exit.
	stderrTailLines = 10
	// killDelay is how long a SIGTERM gets before SIGKILL follows.
	killDelay = time.Second
)

// Config controls how an Engine launches and talks to ffmpeg.
type Config struct {
	FFmpegPath string
	Transport  Transport
	// WorkDir holds FIFOs for the fifo transport.
	WorkDir   string
	Profile   Profile
	StopGrace time.Duration
	// QueueSize bounds buffered frames per stream before drops.
	QueueSize int
	Logger    *slog.Logger
}

const (
	videoIdx = 0
	audioIdx = 1
)

var streamNames = [2]string{"video", "audio"}

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	VideoFrames   int64 `json:"videoFrames"`
	AudioFrames   int64 `json:"audioFrames"`
	VideoDropped  int64 `json:"videoDropped"`
	AudioDropped  int64 `json:"audioDropped"`
	WriteErrors   int64 `json:"writeErrors"`
	Clusters      int64 `json:"clusters"`
	SkippedChunks int64 `json:"skippedChunks"`
	Exited        bool  `json:"exited"`
}

// Engine runs one ffmpeg process per pipeline. Frames are queued without
// blocking the caller and written to the process by one goroutine per
// stream; stdout is split into segments by a ClusterScanner.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	scanner *ClusterScanner
	stderr  logBuffer

	// command builds the subprocess; replaced in tests.
	command func(name string, args ...string) *exec.Cmd

	mu      sync.Mutex
	started bool
	stopped bool
	cmd     *exec.Cmd
	sinks   [2]frameSink
	queues  [2]chan []byte
	writers sync.WaitGroup
	done    chan struct{}
	waitErr error

	frames      [2]atomic.Int64
	dropped     [2]atomic.Int64
	writeErrors atomic.Int64
}

// NewEngine creates an engine delivering segments to sink. The process is
// not launched until Start.
func NewEngine(cfg Config, sink SegmentSink) *Engine {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportPipe
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "transcoder", "transport", string(cfg.Transport))

	return &Engine{
		cfg:     cfg,
		log:     log,
		scanner: NewClusterScanner(sink, log),
		command: exec.Command,
		done:    make(chan struct{}),
	}
}

// Start allocates the input channels and launches ffmpeg. Any failure is
// reported as a *ResourceError and leaves nothing running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return &ResourceError{Op: "start", Err: err}
	}

	for i, name := range streamNames {
		s, err := newSink(e.cfg.Transport, name, e.cfg.WorkDir, i)
		if err != nil {
			e.closeSinks()
			return &ResourceError{Op: "create " + name + " input", Err: err}
		}
		e.sinks[i] = s
	}

	args := e.cfg.Profile.Args(e.sinks[videoIdx].Input(), e.sinks[audioIdx].Input())
	cmd := e.command(e.cfg.FFmpegPath, args...)
	isolate(cmd)
	if vf, af := e.sinks[videoIdx].ChildFile(), e.sinks[audioIdx].ChildFile(); vf != nil && af != nil {
		cmd.ExtraFiles = []*os.File{vf, af}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.closeSinks()
		return &ResourceError{Op: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.closeSinks()
		return &ResourceError{Op: "stderr pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		e.closeSinks()
		return &ResourceError{Op: "exec " + e.cfg.FFmpegPath, Err: err}
	}
	for _, s := range e.sinks {
		s.AfterStart()
	}

	e.cmd = cmd
	e.started = true
	for i := range e.queues {
		e.queues[i] = make(chan []byte, e.cfg.QueueSize)
		e.writers.Add(1)
		go e.writeLoop(i, e.sinks[i], e.queues[i])
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		if _, err := io.Copy(e.scanner, stdout); err != nil {
			e.log.Warn("transcoder output read failed", "error", err)
		}
		e.scanner.Flush()
	}()
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			line := sc.Text()
			e.stderr.Append(line)
			e.log.Debug("ffmpeg", "line", line)
		}
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		e.mu.Lock()
		e.waitErr = err
		e.mu.Unlock()
		if err != nil {
			e.log.Warn("transcoder exited", "pid", cmd.Process.Pid, "error", err, "clusters", e.scanner.Clusters(),
				"stderr", e.StderrTail(stderrTailLines))
		} else {
			e.log.Info("transcoder exited", "pid", cmd.Process.Pid, "clusters", e.scanner.Clusters())
		}
		close(e.done)
	}()

	e.log.Info("transcoder started", "pid", cmd.Process.Pid, "video_input", e.sinks[videoIdx].Input(), "audio_input", e.sinks[audioIdx].Input())
	return nil
}

func (e *Engine) writeLoop(i int, s frameSink, queue <-chan []byte) {
	defer e.writers.Done()

	w, err := s.Open()
	if err != nil {
		e.log.Warn("transcoder input unavailable", "stream", streamNames[i], "error", err)
		for range queue {
			e.dropped[i].Add(1)
		}
		return
	}
	defer w.Close()

	broken := false
	for payload := range queue {
		if broken {
			e.dropped[i].Add(1)
			continue
		}
		if _, err := w.Write(payload); err != nil {
			e.writeErrors.Add(1)
			e.log.Warn("transcoder input write failed, dropping remaining frames", "stream", streamNames[i], "error", err)
			broken = true
			continue
		}
		e.frames[i].Add(1)
	}
}

// FeedVideo queues a video access unit. It never blocks; when the queue is
// full the frame is dropped and counted. The payload must not be modified
// afterwards.
func (e *Engine) FeedVideo(payload []byte, pts int64) { e.feed(videoIdx, payload) }

// FeedAudio queues an audio frame with the same semantics as FeedVideo.
func (e *Engine) FeedAudio(payload []byte, pts int64) { e.feed(audioIdx, payload) }

func (e *Engine) feed(i int, payload []byte) {
	if len(payload) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.stopped {
		return
	}
	select {
	case e.queues[i] <- payload:
	default:
		if n := e.dropped[i].Add(1); n == 1 || n%100 == 0 {
			e.log.Warn("transcoder input queue full, dropping frame", "stream", streamNames[i], "dropped", n)
		}
	}
}

// Stop closes both inputs so ffmpeg sees EOF and flushes, then waits up to
// StopGrace for it to exit. A process still running after that is sent
// SIGTERM and then SIGKILL, and Stop returns ErrForcedKill. Stop is
// idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		<-e.done
		return nil
	}
	e.stopped = true
	for _, q := range e.queues {
		close(q)
	}
	cmd := e.cmd
	e.mu.Unlock()

	var result error
	grace := time.NewTimer(e.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-e.done:
	case <-grace.C:
		result = e.forceStop(cmd, "grace period elapsed")
	case <-ctx.Done():
		result = e.forceStop(cmd, "context done")
	}

	e.closeSinks()
	e.writers.Wait()
	return result
}

func (e *Engine) forceStop(cmd *exec.Cmd, reason string) error {
	e.log.Warn("transcoder did not exit, terminating", "pid", cmd.Process.Pid, "reason", reason)
	if err := terminate(cmd); err != nil {
		e.log.Debug("sigterm failed", "error", err)
	}
	select {
	case <-e.done:
	case <-time.After(killDelay):
		e.log.Warn("transcoder ignored sigterm, killing", "pid", cmd.Process.Pid)
		if err := kill(cmd); err != nil {
			e.log.Debug("sigkill failed", "error", err)
		}
		<-e.done
	}
	return ErrForcedKill
}

func (e *Engine) closeSinks() {
	for i, s := range e.sinks {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			e.log.Debug("close transcoder input", "stream", streamNames[i], "error", err)
		}
	}
}

// Done is closed once the process has exited and its output is drained.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the process exit error once Done is closed.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitErr
}

// StderrTail returns the most recent ffmpeg diagnostic lines.
func (e *Engine) StderrTail(n int) []string { return e.stderr.Tail(n) }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	exited := false
	select {
	case <-e.done:
		exited = true
	default:
	}
	return EngineStats{
		VideoFrames:   e.frames[videoIdx].Load(),
		AudioFrames:   e.frames[audioIdx].Load(),
		VideoDropped:  e.dropped[videoIdx].Load(),
		AudioDropped:  e.dropped[audioIdx].Load(),
		WriteErrors:   e.writeErrors.Load(),
		Clusters:      e.scanner.Clusters(),
		SkippedChunks: e.scanner.Skipped(),
		Exited:        exited,
	}
}
