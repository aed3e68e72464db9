package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var volCmd = &cobra.Command{
	Use:   "vol",
	Short: "Volatility profile commands",
	Long: `Build and inspect the daily volatility profiles (HV30 and the rolling HV
distribution that IV percentiles are ranked against).

Examples:
  finguru vol rebuild
  finguru vol show SPY`,
}

var volRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild every universe symbol's profile",
	RunE:  runVolRebuild,
}

var volShowCmd = &cobra.Command{
	Use:   "show SYMBOL...",
	Short: "Print volatility profiles",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVolShow,
}

func init() {
	rootCmd.AddCommand(volCmd)
	volCmd.AddCommand(volRebuildCmd)
	volCmd.AddCommand(volShowCmd)
}

func runVolRebuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	_, _, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	if !jsonOutput() {
		PrintHeader("Volatility Rebuild", fmt.Sprintf("Symbols   : %d", len(e.Universe().Symbols)))
	}
	stats := e.RebuildVolatility(ctx)
	if jsonOutput() {
		return printJSON(stats)
	}

	fmt.Printf("Built %d, failed %d of %d symbols\n", stats.Built, stats.Failed, stats.Symbols)
	fmt.Println()
	PrintSuccess(fmt.Sprintf("Rebuild completed in %s", stats.Duration.Truncate(time.Millisecond)))
	if stats.Built == 0 && stats.Failed > 0 {
		return fmt.Errorf("no profile could be built")
	}
	return nil
}

func runVolShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	_, _, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	var rows [][]string
	var profiles []interface{}
	for _, symbol := range args {
		symbol = strings.ToUpper(symbol)
		p, err := e.Analyzer().Profile(ctx, symbol)
		if err != nil {
			return fmt.Errorf("profile %s: %w", symbol, err)
		}
		profiles = append(profiles, p)

		lo, hi := "-", "-"
		if len(p.Distribution) > 0 {
			lo, hi = pct(minOf(p.Distribution)*100), pct(maxOf(p.Distribution)*100)
		}
		estimated := ""
		if p.Estimated {
			estimated = "yes"
		}
		rows = append(rows, []string{
			p.Symbol, pct(p.HV30 * 100), estimated, lo, hi,
			fmt.Sprintf("%d", len(p.Distribution)), fmt.Sprintf("%d", p.Bars), p.BuiltOn,
		})
	}

	if jsonOutput() {
		return printJSON(profiles)
	}
	return renderTable([]string{"Symbol", "HV30", "Estimated", "HV Min", "HV Max", "Samples", "Bars", "Built"}, rows)
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
