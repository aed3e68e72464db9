package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grahams11/finguru/internal/engine"
	"github.com/grahams11/finguru/pkg/config"
	"github.com/grahams11/finguru/pkg/logger"
)

var (
	// Global flags
	envFile string
	verbose bool
	format  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "finguru",
	Short: "finguru - real-time options signal engine",
	Long: `finguru fuses live and REST market data, prices every contract with
Black-Scholes and scores short-dated options against four signal layers.

Usage:
  finguru [command]

Examples:
  finguru scan
  finguru scan --format json
  finguru quote SPY AAPL
  finguru greeks SPY --type put
  finguru vol rebuild
  finguru serve`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load before the environment (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "output format (table|json)")
}

// loadConfig loads configuration and the logger, honouring the global flags
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFrom(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, logger.New(cfg), nil
}

// buildEngine loads configuration and wires an engine
func buildEngine(ctx context.Context) (*config.Config, *logger.Logger, *engine.Engine, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	e, err := engine.Build(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build engine: %w", err)
	}
	return cfg, log, e, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
