// Package health watches running pipelines for stalled input and removes
// working directories that no pipeline owns.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/doorcast/relay/internal/metrics"
)

// DefaultStaleThreshold is how long a pipeline may go without a frame
// before it is reported unhealthy.
const DefaultStaleThreshold = 12 * time.Second

// Status is the health of one tracked pipeline.
type Status struct {
	DeviceID  string    `json:"deviceId"`
	TrackedAt time.Time `json:"trackedAt"`
	LastFrame time.Time `json:"lastFrame,omitzero"`
	Frames    int64     `json:"frames"`
	Healthy   bool      `json:"healthy"`
}

type entry struct {
	trackedAt time.Time
	lastFrame time.Time
	frames    int64
	unhealthy bool
}

// Tracker records frame arrival per pipeline. Its Track and Untrack methods
// match the pipeline manager's observer hooks.
type Tracker struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	threshold time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker creates a tracker. Non-positive threshold uses
// DefaultStaleThreshold.
func NewTracker(threshold time.Duration, m *metrics.Metrics, log *slog.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:       log.With("component", "health"),
		metrics:   m,
		threshold: threshold,
		entries:   make(map[string]*entry),
	}
}

// Track starts watching a pipeline. The staleness clock starts now.
func (t *Tracker) Track(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[deviceID] = &entry{trackedAt: time.Now()}
}

// Untrack stops watching a pipeline.
func (t *Tracker) Untrack(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, deviceID)
}

// PipelineStarted implements the manager observer hook.
func (t *Tracker) PipelineStarted(deviceID string) { t.Track(deviceID) }

// PipelineStopped implements the manager observer hook.
func (t *Tracker) PipelineStopped(deviceID string) { t.Untrack(deviceID) }

// RecordFrame notes a frame delivered to the transcoder. Untracked devices
// are ignored.
func (t *Tracker) RecordFrame(deviceID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[deviceID]; ok {
		if at.After(e.lastFrame) {
			e.lastFrame = at
		}
		e.frames++
	}
}

func (t *Tracker) stale(e *entry, now time.Time) bool {
	last := e.lastFrame
	if last.IsZero() {
		last = e.trackedAt
	}
	return now.Sub(last) > t.threshold
}

// Snapshot returns the status of every tracked pipeline sorted by device.
func (t *Tracker) Snapshot() []Status {
	now := time.Now()
	t.mu.Lock()
	out := make([]Status, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, Status{
			DeviceID:  id,
			TrackedAt: e.trackedAt,
			LastFrame: e.lastFrame,
			Frames:    e.frames,
			Healthy:   !t.stale(e, now),
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Unhealthy returns the devices with no frame within the threshold as of
// now, sorted.
func (t *Tracker) Unhealthy(now time.Time) []string {
	t.mu.Lock()
	var ids []string
	for id, e := range t.entries {
		if t.stale(e, now) {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Check evaluates every pipeline, logs transitions between healthy and
// unhealthy, and updates the unhealthy gauge.
func (t *Tracker) Check(now time.Time) []string {
	t.mu.Lock()
	var unhealthy []string
	for id, e := range t.entries {
		stale := t.stale(e, now)
		switch {
		case stale && !e.unhealthy:
			t.log.Warn("pipeline stalled", "device", id, "last_frame", e.lastFrame, "frames", e.frames)
		case !stale && e.unhealthy:
			t.log.Info("pipeline recovered", "device", id)
		}
		e.unhealthy = stale
		if stale {
			unhealthy = append(unhealthy, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(unhealthy)
	t.metrics.SetUnhealthy(len(unhealthy))
	return unhealthy
}

// Run checks every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			t.Check(now)
		}
	}
}
