package scheduler

import (
	"context"
	"errors"
	"time"
)

// ErrSkipped is returned by a job that had nothing to do this tick. It is recorded as a
// successful, skipped run and never retried.
var ErrSkipped = errors.New("job skipped")

// Job represents a scheduled job
// ⭐ SSOT: the job contract is defined here only
type Job interface {
	// Name returns the job name
	Name() string

	// Run executes the job
	Run(ctx context.Context) error

	// Schedule returns the cron expression, with seconds, in exchange time
	// Examples: "0 0 8 * * MON-FRI" (weekdays at 8 AM)
	//           "@every 5m"
	Schedule() string
}

// JobResult represents the result of a job execution
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

const maxHistory = 100

// JobHistory stores job execution history
type JobHistory struct {
	Results []JobResult
}

// AddResult adds a job result to history
func (h *JobHistory) AddResult(result JobResult) {
	h.Results = append(h.Results, result)

	// Keep only the last maxHistory results
	if len(h.Results) > maxHistory {
		h.Results = h.Results[len(h.Results)-maxHistory:]
	}
}

// GetLatestResults returns the latest N results
func (h *JobHistory) GetLatestResults(n int) []JobResult {
	if n > len(h.Results) {
		n = len(h.Results)
	}

	if n == 0 {
		return []JobResult{}
	}

	return h.Results[len(h.Results)-n:]
}

// Last returns the most recent result
func (h *JobHistory) Last() (JobResult, bool) {
	if len(h.Results) == 0 {
		return JobResult{}, false
	}
	return h.Results[len(h.Results)-1], true
}

// LastRan returns the most recent result that was not skipped
func (h *JobHistory) LastRan() (JobResult, bool) {
	for i := len(h.Results) - 1; i >= 0; i-- {
		if !h.Results[i].Skipped {
			return h.Results[i], true
		}
	}
	return JobResult{}, false
}

// GetFailedResults returns all failed results
func (h *JobHistory) GetFailedResults() []JobResult {
	failed := make([]JobResult, 0)
	for _, result := range h.Results {
		if !result.Success {
			failed = append(failed, result)
		}
	}
	return failed
}

// GetSuccessRate returns the success rate (0.0 - 1.0)
func (h *JobHistory) GetSuccessRate() float64 {
	if len(h.Results) == 0 {
		return 0.0
	}

	successCount := 0
	for _, result := range h.Results {
		if result.Success {
			successCount++
		}
	}

	return float64(successCount) / float64(len(h.Results))
}
