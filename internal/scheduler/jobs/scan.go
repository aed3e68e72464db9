package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/scheduler"
	"github.com/grahams11/finguru/pkg/logger"
)

// Scanner runs one scan and keeps it as the latest
type Scanner interface {
	Scan(ctx context.Context) (*contracts.ScanResult, error)
}

// ScanJob scans the universe every five minutes while the market is open
type ScanJob struct {
	engine Scanner
	status func(time.Time) contracts.MarketStatus
	logger *logger.Logger
	now    func() time.Time
}

// NewScanJob creates a new scan job; status gates runs to the regular session
func NewScanJob(e Scanner, status func(time.Time) contracts.MarketStatus, log *logger.Logger) *ScanJob {
	return &ScanJob{
		engine: e,
		status: status,
		logger: log,
		now:    time.Now,
	}
}

// Name returns the job name
func (j *ScanJob) Name() string {
	return "scan"
}

// Schedule returns the cron schedule (every 5 minutes, 9 AM to 4 PM weekdays)
func (j *ScanJob) Schedule() string {
	return "0 */5 9-15 * * MON-FRI"
}

// Run scans when the session is open and reports a skip otherwise. A scan where every provider failed is an error so
// the scheduler retries it.
func (j *ScanJob) Run(ctx context.Context) error {
	if j.status != nil {
		if s := j.status(j.now()); s != contracts.MarketOpen {
			return fmt.Errorf("%w: market %s", scheduler.ErrSkipped, s)
		}
	}

	result, err := j.engine.Scan(ctx)
	if err != nil {
		return err
	}

	j.logger.WithFields(map[string]interface{}{
		"scan_id":   result.ID,
		"top_plays": len(result.TopPlays),
		"timed_out": result.Diagnostics.TimedOut,
	}).Info("Scheduled scan completed")
	return nil
}
