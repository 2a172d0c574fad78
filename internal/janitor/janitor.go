// Package janitor removes job namespaces left behind by a crashed process and
// keeps the temp volume free space gauge current.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/forPelevin/clipper/internal/metrics"
	"github.com/forPelevin/clipper/internal/tempfiles"
)

// Namespaces is the view of the temp manager the janitor needs.
type Namespaces interface {
	Root() string
	IsActive(jobID string) bool
}

type Janitor struct {
	temp   Namespaces
	maxAge time.Duration
	logger *zap.Logger
	parser cron.Parser
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func New(temp Namespaces, maxAge time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		temp:   temp,
		maxAge: maxAge,
		logger: logger,
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// Start sweeps once and then on every tick of schedule until ctx is done or Stop is called.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return errors.New("janitor already started")
	}

	c := cron.New(cron.WithParser(j.parser))
	if _, err := c.AddFunc(schedule, func() { j.run(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	j.run(ctx)
	c.Start()
	j.cron = c

	j.logger.Info("janitor started", zap.String("schedule", schedule), zap.Duration("orphan_max_age", j.maxAge))
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Warn("temp sweep failed", zap.Error(err))
	}
	j.recordFree(ctx)
}

// Sweep removes orphaned namespaces older than the configured age. Namespaces
// of jobs this process is running are never touched.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	root := j.temp.Root()
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("read temp root: %w", err)
	}

	removed := 0
	cutoff := j.now().Add(-j.maxAge)
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.IsDir() || !strings.HasPrefix(e.Name(), tempfiles.DirPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), tempfiles.DirPrefix)
		if j.temp.IsActive(id) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			j.logger.Warn("remove orphaned namespace", zap.String("job_id", id), zap.Error(err))
			continue
		}
		removed++
		j.logger.Info("removed orphaned namespace", zap.String("job_id", id), zap.Time("modified", info.ModTime()))
	}
	metrics.OrphansRemovedTotal.Add(float64(removed))
	return removed, nil
}

func (j *Janitor) recordFree(ctx context.Context) {
	u, err := disk.UsageWithContext(ctx, j.temp.Root())
	if err != nil {
		j.logger.Debug("disk usage", zap.Error(err))
		return
	}
	metrics.TempFreeBytes.Set(float64(u.Free))
}
