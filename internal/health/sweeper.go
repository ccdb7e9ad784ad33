package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/doorcast/relay/internal/metrics"
)

// Sweeper removes entries under the working-directory root that no active
// pipeline owns. It covers directories left behind by a crash or a failed
// teardown.
type Sweeper struct {
	root    string
	active  func() []string
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewSweeper creates a sweeper for root. active returns the absolute paths
// of working directories currently in use.
func NewSweeper(root string, active func() []string, m *metrics.Metrics, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		root:    root,
		active:  active,
		metrics: m,
		log:     log.With("component", "sweeper", "root", root),
	}
}

// Sweep removes every unowned entry last modified more than grace ago and
// returns how many were removed. Removal errors are collected; the sweep
// continues past them.
func (s *Sweeper) Sweep(grace time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read work root: %w", err)
	}

	inUse := make(map[string]bool)
	if s.active != nil {
		for _, p := range s.active() {
			inUse[filepath.Clean(p)] = true
		}
	}

	cutoff := time.Now().Add(-grace)
	removed := 0
	var errs []error
	for _, e := range entries {
		path := filepath.Join(s.root, e.Name())
		if inUse[path] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if grace > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		s.log.Info("removed orphaned working directory", "path", path, "age", time.Since(info.ModTime()).Round(time.Second))
	}
	s.metrics.WorkDirsSwept(removed)
	return removed, errors.Join(errs...)
}

// Run sweeps every interval with the given grace until ctx is done.
// Leftovers from a previous process are cleared by calling Sweep(0) before
// any pipeline can start; Run never sweeps without grace.
func (s *Sweeper) Run(ctx context.Context, interval, grace time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(grace); err != nil {
				s.log.Warn("sweep incomplete", "error", err)
			}
		}
	}
}
