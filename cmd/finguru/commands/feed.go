package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grahams11/finguru/internal/engine"
)

var feedInterval time.Duration

var feedCmd = &cobra.Command{
	Use:   "feed SYMBOL...",
	Short: "Stream symbols from the live feeds and print quotes until interrupted",
	Long: `Connect the live feeds, subscribe the given symbols and print their
quotes and feed health every --interval. Press Ctrl+C to stop.

Examples:
  finguru feed SPY QQQ
  finguru feed .SPY240119C480 --interval 2s`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFeed,
}

func init() {
	rootCmd.AddCommand(feedCmd)
	feedCmd.Flags().DurationVar(&feedInterval, "interval", 5*time.Second, "print interval")
}

func runFeed(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	_, log, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start feeds: %w", err)
	}
	symbols := make([]string, len(args))
	for i, s := range args {
		symbols[i] = strings.ToUpper(s)
	}
	if err := e.Subscribe(symbols...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.WithField("symbols", symbols).Info("Streaming, press Ctrl+C to stop")

	ticker := time.NewTicker(feedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			PrintSuccess("Feed stopped")
			return nil
		case <-ticker.C:
			printFeed(ctx, e, symbols)
		}
	}
}

func printFeed(ctx context.Context, e *engine.Engine, symbols []string) {
	if jsonOutput() {
		_ = printJSON(e.Health())
		return
	}

	PrintSeparator()
	rows := make([][]string, 0, len(symbols))
	for _, s := range symbols {
		q, ok := e.GetQuote(ctx, s)
		if !ok {
			rows = append(rows, []string{s, "-", "-", "-", "-", "no data"})
			continue
		}
		rows = append(rows, []string{s, price(q.Last), price(q.Bid), price(q.Ask), string(q.Source), ago(q.Timestamp)})
	}
	_ = renderTable([]string{"Symbol", "Last", "Bid", "Ask", "Source", "Age"}, rows)

	health := make([][]string, 0)
	for _, f := range e.FeedHealth() {
		status := "✅"
		if !f.Healthy {
			status = "⚠️"
		}
		health = append(health, []string{
			f.Provider, f.State.String(), status, ago(f.LastMessageAt),
			fmt.Sprintf("%d", f.Subscriptions), fmt.Sprintf("%d", f.Reconnects), f.LastError,
		})
	}
	if len(health) > 0 {
		_ = renderTable([]string{"Feed", "State", "Healthy", "Last Message", "Subs", "Reconnects", "Error"}, health)
	}
}
