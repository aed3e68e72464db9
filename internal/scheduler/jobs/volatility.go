package jobs

import (
	"context"
	"fmt"

	"github.com/grahams11/finguru/internal/volatility"
	"github.com/grahams11/finguru/pkg/logger"
)

// VolatilityRebuilder rebuilds every universe volatility profile
type VolatilityRebuilder interface {
	RebuildVolatility(ctx context.Context) volatility.RebuildStats
}

// VolatilityRebuildJob refreshes HV profiles before the open so scans read them from memory
type VolatilityRebuildJob struct {
	engine VolatilityRebuilder
	logger *logger.Logger
}

// NewVolatilityRebuildJob creates a new volatility rebuild job
func NewVolatilityRebuildJob(e VolatilityRebuilder, log *logger.Logger) *VolatilityRebuildJob {
	return &VolatilityRebuildJob{
		engine: e,
		logger: log,
	}
}

// Name returns the job name
func (j *VolatilityRebuildJob) Name() string {
	return "volatility_rebuild"
}

// Schedule returns the cron schedule (weekdays 8:00 AM exchange time)
func (j *VolatilityRebuildJob) Schedule() string {
	return "0 0 8 * * MON-FRI"
}

// Run rebuilds the profiles. It fails only when nothing could be built.
func (j *VolatilityRebuildJob) Run(ctx context.Context) error {
	stats := j.engine.RebuildVolatility(ctx)

	j.logger.WithFields(map[string]interface{}{
		"symbols":  stats.Symbols,
		"built":    stats.Built,
		"failed":   stats.Failed,
		"duration": stats.Duration.String(),
	}).Info("Volatility profiles rebuilt")

	if stats.Failed > 0 && stats.Built == 0 {
		return fmt.Errorf("no volatility profile rebuilt, %d failed", stats.Failed)
	}
	return nil
}
