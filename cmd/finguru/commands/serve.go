package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grahams11/finguru/internal/api"
	"github.com/grahams11/finguru/internal/api/handlers"
)

var (
	servePort        string
	serveNoScheduler bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its HTTP API and scheduled jobs",
	Long: `Start the live feeds, the tick recorder, the HTTP API and the scheduler.

Endpoints:
  GET  /health
  GET  /api/feeds
  GET  /api/scan/latest
  GET  /api/scan/{id}
  POST /api/scan
  GET  /api/quotes/{symbol}
  GET  /api/greeks/{symbol}?type=call|put
  GET  /api/ticks/{symbol}?minutes=30

Examples:
  finguru serve
  finguru serve --port 9090 --no-scheduler`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "API server port (default from PORT)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not run scheduled jobs")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, log, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	if servePort != "" {
		cfg.Port = servePort
	}

	// 1. Live feeds and tick recorder
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// 2. Scheduler
	if !serveNoScheduler {
		sched, err := initScheduler(e, log)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		log.WithField("jobs", sched.GetAllJobs()).Info("Scheduler started")
	}

	// 3. HTTP API
	router := api.NewRouter(handlers.NewEngineHandler(e, log), log)
	server := api.New(cfg, log, router)

	log.WithField("universe", len(e.Universe().Symbols)).Info("Engine started successfully")
	fmt.Printf("\n✅ Server running on http://localhost:%s\n", cfg.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	if err := server.Run(ctx); err != nil {
		return err
	}

	log.Info("Server stopped")
	return nil
}
