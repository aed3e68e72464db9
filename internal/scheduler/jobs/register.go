package jobs

import (
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/scheduler"
	"github.com/grahams11/finguru/pkg/logger"
)

// Engine is everything the standard jobs need
type Engine interface {
	Scanner
	VolatilityRebuilder
	CacheCleaner
	HealthReporter
}

// Register adds the standard jobs to s
func Register(s *scheduler.Scheduler, e Engine, status func(time.Time) contracts.MarketStatus, log *logger.Logger) error {
	for _, job := range []scheduler.Job{
		NewVolatilityRebuildJob(e, log),
		NewScanJob(e, status, log),
		NewCacheCleanupJob(e, log),
		NewFeedWatchJob(e, log),
	} {
		if err := s.AddJob(job); err != nil {
			return err
		}
	}
	return nil
}
