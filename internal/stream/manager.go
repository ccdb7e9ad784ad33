// Package stream owns the lifecycle of device pipelines: creation on first
// inbound connection, viewer registration, and ordered teardown once the
// device and every viewer have left.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/doorcast/relay/internal/distribution"
	"github.com/doorcast/relay/internal/metrics"
	"github.com/doorcast/relay/internal/reorder"
	"github.com/doorcast/relay/internal/transcode"
)

var (
	// ErrConflict is returned when a device already has an inbound
	// connection under a different id.
	ErrConflict = errors.New("stream: device already has an inbound connection")
	// ErrUnavailable is returned when no active pipeline exists for a device
	// within the allowed wait.
	ErrUnavailable = errors.New("stream: pipeline not available")
	// ErrShuttingDown is returned by registrations after StopAll.
	ErrShuttingDown = errors.New("stream: manager is shutting down")
)

// DefaultStopTimeout bounds one pipeline's teardown.
const DefaultStopTimeout = 10 * time.Second

// Observer is notified when pipelines become active and when they stop.
type Observer interface {
	PipelineStarted(deviceID string)
	PipelineStopped(deviceID string)
}

// TranscoderFactory builds the transcoder for a new pipeline. sink receives
// the transcoder's output; workDir exists and belongs to the pipeline.
type TranscoderFactory func(deviceID, workDir string, sink transcode.SegmentSink) transcode.Transcoder

// Config configures a Manager.
type Config struct {
	// WorkRoot holds one working directory per running pipeline.
	WorkRoot      string
	ReplayDepth   int
	NewTranscoder TranscoderFactory
	StopTimeout   time.Duration
	Observers     []Observer
	Frames        FrameObserver
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// entry is the per-device slot. mu serializes every structural change to
// that device's pipeline; current lets readers see it without locking.
type entry struct {
	id      string
	mu      sync.Mutex
	removed bool
	current atomic.Pointer[Pipeline]
}

// Manager is the registry of device pipelines. Its map lock is held only
// for lookups; all pipeline work happens under the per-device lock, so
// devices never block each other.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string][]chan struct{}
	closed  bool
}

// NewManager creates a manager. NewTranscoder is required.
func NewManager(cfg Config) *Manager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.ReplayDepth <= 0 {
		cfg.ReplayDepth = distribution.DefaultReplayDepth
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "doorcast")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     log.With("component", "stream-manager"),
		entries: make(map[string]*entry),
		waiters: make(map[string][]chan struct{}),
	}
}

// lockEntry returns the device's entry locked, creating it if create is
// set. It returns nil when the entry does not exist and create is false.
func (m *Manager) lockEntry(deviceID string, create bool) (*entry, error) {
	for {
		m.mu.Lock()
		if m.closed && create {
			m.mu.Unlock()
			return nil, ErrShuttingDown
		}
		e, ok := m.entries[deviceID]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil, nil
			}
			e = &entry{id: deviceID}
			m.entries[deviceID] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// unlockEntry releases e, dropping it from the registry when it holds no
// pipeline.
func (m *Manager) unlockEntry(e *entry) {
	if e.current.Load() == nil && !e.removed {
		e.removed = true
		m.mu.Lock()
		if m.entries[e.id] == e {
			delete(m.entries, e.id)
		}
		m.mu.Unlock()
	}
	e.mu.Unlock()
}

// RegisterInbound attaches a device connection and its reordering stage,
// creating and starting the pipeline if the device has none. It fails with
// ErrConflict if another connection is already registered, and with the
// transcoder's *transcode.ResourceError if the pipeline cannot start; in
// that case no pipeline is left behind. Registering the same connID twice
// is a no-op.
func (m *Manager) RegisterInbound(ctx context.Context, deviceID, connID string, stage reorder.Stage) (*Pipeline, error) {
	e, err := m.lockEntry(deviceID, true)
	if err != nil {
		return nil, err
	}
	defer m.unlockEntry(e)

	if p := e.current.Load(); p != nil {
		switch p.inbound {
		case connID:
			return p, nil
		case "":
			p.attachInbound(connID, stage)
			p.log.Info("device reconnected", "conn", connID, "viewers", len(p.outbound))
			return p, nil
		default:
			p.log.Warn("rejecting second inbound connection", "conn", connID, "existing", p.inbound)
			m.cfg.Metrics.PipelineStartFailed("conflict")
			return nil, ErrConflict
		}
	}

	p, err := m.start(ctx, deviceID)
	if err != nil {
		m.cfg.Metrics.PipelineStartFailed("error")
		return nil, err
	}
	p.attachInbound(connID, stage)
	e.current.Store(p)
	m.notifyWaiters(deviceID)
	for _, o := range m.cfg.Observers {
		o.PipelineStarted(deviceID)
	}
	m.cfg.Metrics.PipelineStarted(deviceID)
	p.log.Info("pipeline active", "conn", connID, "work_dir", p.WorkDir)
	return p, nil
}

// start creates the working directory and transcoder. On failure every
// resource created so far is released.
func (m *Manager) start(ctx context.Context, deviceID string) (*Pipeline, error) {
	runID := uuid.NewString()
	workDir := filepath.Join(m.cfg.WorkRoot, safeName(deviceID)+"-"+runID[:8])
	p := newPipeline(deviceID, runID, workDir, m.cfg.ReplayDepth, m.cfg.Frames, m.log)

	if err := os.MkdirAll(workDir, 0o750); err != nil {
		p.setState(StateStopped)
		return nil, fmt.Errorf("start pipeline %s: %w", deviceID, &transcode.ResourceError{Op: "create work dir", Err: err})
	}

	p.transcoder = m.cfg.NewTranscoder(deviceID, workDir, p)
	if err := p.transcoder.Start(ctx); err != nil {
		p.setState(StateStopped)
		p.broadcaster.Close()
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			p.log.Warn("remove work dir after failed start", "error", rmErr)
		}
		p.log.Error("pipeline failed to start", "error", err)
		return nil, fmt.Errorf("start pipeline %s: %w", deviceID, err)
	}

	go p.run()
	p.setState(StateActive)
	return p, nil
}

// UnregisterInbound detaches a device connection. Unknown or stale
// connection ids are ignored. The pipeline is torn down when no viewer
// remains.
func (m *Manager) UnregisterInbound(deviceID, connID string) {
	e, _ := m.lockEntry(deviceID, false)
	if e == nil {
		return
	}
	defer m.unlockEntry(e)

	p := e.current.Load()
	if p == nil || p.inbound != connID {
		return
	}
	p.detachInbound()
	p.log.Info("device disconnected", "conn", connID, "viewers", len(p.outbound))
	if p.idle() {
		m.teardown(e, p)
	}
}

// RegisterOutbound adds a viewer to an active pipeline.
func (m *Manager) RegisterOutbound(deviceID, connID string) (*Pipeline, error) {
	e, _ := m.lockEntry(deviceID, false)
	if e == nil {
		return nil, ErrUnavailable
	}
	defer m.unlockEntry(e)

	p := e.current.Load()
	if p == nil || p.State() != StateActive {
		return nil, ErrUnavailable
	}
	p.outbound[connID] = struct{}{}
	p.log.Debug("viewer registered", "conn", connID, "viewers", len(p.outbound))
	return p, nil
}

// UnregisterOutbound removes a viewer. The pipeline is torn down when it
// was the last viewer and no device is connected.
func (m *Manager) UnregisterOutbound(deviceID, connID string) {
	e, _ := m.lockEntry(deviceID, false)
	if e == nil {
		return
	}
	defer m.unlockEntry(e)

	p := e.current.Load()
	if p == nil {
		return
	}
	if _, ok := p.outbound[connID]; !ok {
		return
	}
	delete(p.outbound, connID)
	p.broadcaster.Unsubscribe(connID)
	p.log.Debug("viewer unregistered", "conn", connID, "viewers", len(p.outbound))
	if p.idle() {
		m.teardown(e, p)
	}
}

// WaitForPipeline returns the device's pipeline once it is active, waiting
// at most timeout. It returns ErrUnavailable on timeout or when ctx ends.
func (m *Manager) WaitForPipeline(ctx context.Context, deviceID string, timeout time.Duration) (*Pipeline, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		ch := make(chan struct{})
		m.mu.Lock()
		if e, ok := m.entries[deviceID]; ok {
			if p := e.current.Load(); p != nil && p.State() == StateActive {
				m.mu.Unlock()
				return p, nil
			}
		}
		m.waiters[deviceID] = append(m.waiters[deviceID], ch)
		m.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			m.dropWaiter(deviceID, ch)
			return nil, ErrUnavailable
		case <-ctx.Done():
			m.dropWaiter(deviceID, ch)
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
	}
}

func (m *Manager) notifyWaiters(deviceID string) {
	m.mu.Lock()
	chans := m.waiters[deviceID]
	delete(m.waiters, deviceID)
	m.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (m *Manager) dropWaiter(deviceID string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.waiters[deviceID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(m.waiters, deviceID)
	} else {
		m.waiters[deviceID] = chans
	}
}

// AttachViewer waits for the device's pipeline and registers connID as a
// viewer of it.
func (m *Manager) AttachViewer(ctx context.Context, deviceID, connID string, wait time.Duration) (*distribution.Broadcaster, error) {
	if _, err := m.WaitForPipeline(ctx, deviceID, wait); err != nil {
		return nil, err
	}
	p, err := m.RegisterOutbound(deviceID, connID)
	if err != nil {
		return nil, err
	}
	return p.Broadcaster(), nil
}

// DetachViewer is UnregisterOutbound.
func (m *Manager) DetachViewer(deviceID, connID string) {
	m.UnregisterOutbound(deviceID, connID)
}

// teardown stops a pipeline in order: worker, transcoder, viewers, working
// directory. It must be called with the entry lock held.
func (m *Manager) teardown(e *entry, p *Pipeline) error {
	p.setState(StateDraining)
	e.current.Store(nil)

	p.stopWorker()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
	defer cancel()
	err := p.transcoder.Stop(ctx)
	if errors.Is(err, transcode.ErrForcedKill) {
		m.cfg.Metrics.ForcedKill()
	}
	if err != nil {
		p.log.Warn("transcoder stop", "error", err)
	}

	p.broadcaster.Close()
	if rmErr := os.RemoveAll(p.WorkDir); rmErr != nil {
		p.log.Warn("remove work dir", "error", rmErr)
		err = errors.Join(err, rmErr)
	}

	p.setState(StateStopped)
	for _, o := range m.cfg.Observers {
		o.PipelineStopped(p.DeviceID)
	}
	m.cfg.Metrics.PipelineStopped(p.DeviceID)
	p.log.Info("pipeline stopped", "uptime", time.Since(p.CreatedAt).Round(time.Millisecond))
	if err != nil {
		return fmt.Errorf("stop pipeline %s: %w", p.DeviceID, err)
	}
	return nil
}

// Get returns the device's current pipeline, or nil.
func (m *Manager) Get(deviceID string) *Pipeline {
	m.mu.Lock()
	e, ok := m.entries[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.current.Load()
}

// List returns a summary of every running pipeline, sorted by device.
func (m *Manager) List() []Info {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if p := e.current.Load(); p != nil {
			out = append(out, p.info())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// WorkDirs returns the working directories of running pipelines.
func (m *Manager) WorkDirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirs := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		if p := e.current.Load(); p != nil {
			dirs = append(dirs, p.WorkDir)
		}
	}
	return dirs
}

// StopAll tears down every pipeline concurrently and refuses new inbound
// registrations. Individual failures are logged and returned joined; one
// failing pipeline never prevents the others from stopping.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		g.Go(func() error {
			e.mu.Lock()
			defer m.unlockEntry(e)
			p := e.current.Load()
			if p == nil {
				return nil
			}
			if err := m.teardown(e, p); err != nil {
				m.log.Warn("pipeline stop failed", "device", p.DeviceID, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop all pipelines: %w", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
