package jobs

import (
	"context"

	"github.com/grahams11/finguru/internal/engine"
	"github.com/grahams11/finguru/pkg/logger"
)

// CacheCleaner drops stale live-cache entries
type CacheCleaner interface {
	CleanCaches() int
}

// HealthReporter summarises feeds, breakers and stores
type HealthReporter interface {
	Health() engine.Health
}

// CacheCleanupJob evicts quotes and Greeks older than the freshness window
type CacheCleanupJob struct {
	engine CacheCleaner
	logger *logger.Logger
}

// NewCacheCleanupJob creates a new cache cleanup job
func NewCacheCleanupJob(e CacheCleaner, log *logger.Logger) *CacheCleanupJob {
	return &CacheCleanupJob{engine: e, logger: log}
}

// Name returns the job name
func (j *CacheCleanupJob) Name() string {
	return "quote_cache_cleanup"
}

// Schedule returns the cron schedule (every 5 minutes)
func (j *CacheCleanupJob) Schedule() string {
	return "0 */5 * * * *"
}

// Run evicts stale entries
func (j *CacheCleanupJob) Run(ctx context.Context) error {
	if count := j.engine.CleanCaches(); count > 0 {
		j.logger.WithField("removed", count).Info("Cache cleanup completed")
	}
	return nil
}

// FeedWatchJob logs feeds that stopped delivering and provider circuits that opened, once
// per state change
type FeedWatchJob struct {
	engine HealthReporter
	logger *logger.Logger
	last   map[string]string
}

// NewFeedWatchJob creates the feed watchdog
func NewFeedWatchJob(e HealthReporter, log *logger.Logger) *FeedWatchJob {
	return &FeedWatchJob{engine: e, logger: log, last: make(map[string]string)}
}

// Name returns the job name
func (j *FeedWatchJob) Name() string {
	return "feed_watch"
}

// Schedule returns the cron schedule (every 30 seconds)
func (j *FeedWatchJob) Schedule() string {
	return "*/30 * * * * *"
}

// Run compares the current health to the previous tick. Runs never overlap, so last needs
// no lock.
func (j *FeedWatchJob) Run(ctx context.Context) error {
	h := j.engine.Health()

	for _, f := range h.Feeds {
		state := "healthy"
		if !f.Healthy {
			state = "unhealthy"
		}
		if j.changed("feed:"+f.Provider, state, f.Healthy) {
			entry := j.logger.Provider(f.Provider).WithFields(map[string]interface{}{
				"state":         f.State,
				"subscriptions": f.Subscriptions,
				"reconnects":    f.Reconnects,
			})
			if f.Healthy {
				entry.Info("Feed healthy")
			} else {
				entry.WithField("last_error", f.LastError).Warn("Feed unhealthy")
			}
		}
	}

	for _, b := range h.Breakers {
		if j.changed("breaker:"+b.Provider, b.State, b.State == "closed") {
			entry := j.logger.Provider(b.Provider).WithField("state", b.State)
			if b.State == "closed" {
				entry.Info("Provider circuit closed")
			} else {
				entry.Warn("Provider circuit not closed")
			}
		}
	}
	return nil
}

// changed records state under key and reports whether it differs from the previous tick.
// A first observation only counts when it is unhealthy.
func (j *FeedWatchJob) changed(key, state string, healthy bool) bool {
	prev, seen := j.last[key]
	j.last[key] = state
	if !seen {
		return !healthy
	}
	return prev != state
}
