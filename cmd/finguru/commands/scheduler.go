package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/grahams11/finguru/internal/engine"
	"github.com/grahams11/finguru/internal/scheduler"
	"github.com/grahams11/finguru/internal/scheduler/jobs"
	"github.com/grahams11/finguru/pkg/logger"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Scheduled job management",
	Long: `Inspect or trigger the scheduled jobs. The jobs themselves run inside
"finguru serve".

Registered jobs:
  volatility_rebuild   - weekdays 08:00 ET (volatility profiles)
  scan                 - every 5 minutes while the market is open
  quote_cache_cleanup  - every 5 minutes (stale quotes and Greeks)
  feed_watch           - every 30 seconds (feed and provider circuit changes)

Examples:
  finguru scheduler list
  finguru scheduler run volatility_rebuild`,
}

var (
	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run JOB",
		Short: "Run one job now",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
}

// initScheduler builds a scheduler with the standard jobs registered against e
func initScheduler(e *engine.Engine, log *logger.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(e.Location(), log)
	if err := jobs.Register(sched, e, e.MarketStatus, log); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	return sched, nil
}

func listJobs(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	_, log, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	sched, err := initScheduler(e, log)
	if err != nil {
		return err
	}
	stats := sched.GetJobStats()

	if jsonOutput() {
		return printJSON(stats)
	}
	rows := make([][]string, 0, len(stats))
	for _, name := range sched.GetAllJobs() {
		rows = append(rows, []string{name, stats[name].Schedule, sched.NextRun(name).Format("Mon Jan 2 15:04 MST")})
	}
	return renderTable([]string{"Job", "Schedule", "Next Run"}, rows)
}

func runJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	_, log, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	sched, err := initScheduler(e, log)
	if err != nil {
		return err
	}

	if !jsonOutput() {
		PrintHeader("Run Job", fmt.Sprintf("Job       : %s", jobName))
	}
	result, err := sched.RunNow(ctx, jobName)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(result)
	}

	if result.Skipped {
		PrintWarning(fmt.Sprintf("Job %s skipped, nothing to do right now", jobName))
		return nil
	}
	if !result.Success {
		PrintWarning(fmt.Sprintf("Job %s failed after %s: %s", jobName, result.Duration.Truncate(time.Millisecond), result.Error))
		return fmt.Errorf("job %s failed", jobName)
	}
	PrintSuccess(fmt.Sprintf("Job %s completed in %s", jobName, result.Duration.Truncate(time.Millisecond)))
	return nil
}
