// Package retention deletes data past its configured horizons: raw events
// and sessions by age, rollup cubes by date. The loop is cheap enough to run
// in-process next to the HTTP server.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ezlytics/ezlytics/internal/pkg/distlock"
	"github.com/ezlytics/ezlytics/internal/pkg/logger"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
)

// Horizons configures the retention windows, in days.
type Horizons struct {
	RawEventDays     int
	RollupHourlyDays int
	RollupDailyDays  int
}

// GC owns the periodic cleanup. A redis interval guard keeps multiple
// replicas from purging concurrently; the local timestamp keeps one replica
// from re-entering when the cron endpoint is hit mid-interval.
type GC struct {
	repo     *postgres.RetentionRepo
	redis    *redis.Client
	horizons Horizons
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
}

// NewGC wires a retention worker. redisClient may be nil for single-replica
// deployments.
func NewGC(repo *postgres.RetentionRepo, redisClient *redis.Client, horizons Horizons, interval time.Duration) *GC {
	return &GC{
		repo:     repo,
		redis:    redisClient,
		horizons: horizons,
		interval: interval,
		now:      time.Now,
	}
}

// Stats reports what one sweep removed.
type Stats struct {
	RawEvents     int64  `json:"rawEvents"`
	Sessions      int64  `json:"sessions"`
	HourlyRollups int64  `json:"hourlyRollups"`
	DailyRollups  int64  `json:"dailyRollups"`
	Skipped       bool   `json:"skipped,omitempty"`
	SkippedReason string `json:"skippedReason,omitempty"`
}

// Run starts the loop and blocks until ctx is cancelled. One sweep runs
// immediately on start.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		if stats, err := g.Sweep(ctx); err != nil {
			logger.Error("retention sweep failed", "error", err)
		} else if !stats.Skipped {
			logger.Info("retention sweep done",
				"raw_events", stats.RawEvents,
				"sessions", stats.Sessions,
				"hourly", stats.HourlyRollups,
				"daily", stats.DailyRollups)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep performs one cleanup pass, honoring both re-entry guards.
func (g *GC) Sweep(ctx context.Context) (Stats, error) {
	now := g.now().UTC()

	g.mu.Lock()
	if !g.lastRun.IsZero() && now.Sub(g.lastRun) < g.interval {
		g.mu.Unlock()
		return Stats{Skipped: true, SkippedReason: "interval not elapsed"}, nil
	}
	g.lastRun = now
	g.mu.Unlock()

	if g.redis != nil {
		ok, err := distlock.TryInterval(ctx, g.redis, "retention-gc", g.interval)
		if err != nil {
			logger.Warn("retention redis guard unavailable", "error", err)
		} else if !ok {
			return Stats{Skipped: true, SkippedReason: "another replica ran"}, nil
		}
	}

	var stats Stats
	var err error

	ageCutoff := now.AddDate(0, 0, -g.horizons.RawEventDays)
	if stats.RawEvents, err = g.repo.PurgeRawEvents(ctx, ageCutoff); err != nil {
		return stats, err
	}
	if stats.Sessions, err = g.repo.PurgeSessions(ctx, ageCutoff); err != nil {
		return stats, err
	}

	hourlyCutoff := now.AddDate(0, 0, -g.horizons.RollupHourlyDays).Format("2006-01-02")
	if stats.HourlyRollups, err = g.repo.PurgeHourlyRollups(ctx, hourlyCutoff); err != nil {
		return stats, err
	}
	dailyCutoff := now.AddDate(0, 0, -g.horizons.RollupDailyDays).Format("2006-01-02")
	if stats.DailyRollups, err = g.repo.PurgeDailyRollups(ctx, dailyCutoff); err != nil {
		return stats, err
	}
	return stats, nil
}
