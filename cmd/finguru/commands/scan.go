package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/grahams11/finguru/internal/contracts"
	"github.com/grahams11/finguru/internal/engine"
)

var scanQuiet bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the universe for top option plays",
	Long: `Run one full scan over the configured universe and print the top plays.

A partial result is still printed when the scan deadline expires. The command
fails only when every provider was unreachable.

Examples:
  finguru scan
  finguru scan --format json
  finguru scan --quiet`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "no progress bar")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	_, _, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	var bar *progressbar.ProgressBar
	if !scanQuiet && !jsonOutput() {
		bar = newProgressBar(len(e.Universe().Symbols), "Scanning")
		e.SetProgressCallback(func(scanned, total int) {
			_ = bar.Set(scanned)
		})
	}

	result, err := e.Scan(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil && (result == nil || !engine.IsUnavailable(err)) {
		return fmt.Errorf("scan failed: %w", err)
	}

	if jsonOutput() {
		if perr := printJSON(result); perr != nil {
			return perr
		}
		return err
	}

	fmt.Println()
	printScan(result)
	if err != nil {
		PrintWarning(err.Error())
	}
	return err
}

func printScan(r *contracts.ScanResult) {
	d := r.Diagnostics
	PrintHeader("Options Scan",
		fmt.Sprintf("Scan ID   : %s", r.ID),
		fmt.Sprintf("Market    : %s (%s)", r.MarketStatus, r.Mode),
		fmt.Sprintf("Expiry    : %s, exit by %s", r.Expiry.Format("2006-01-02"), r.ExitAt.Format("Jan 2 15:04 MST")),
		fmt.Sprintf("Symbols   : %d/%d scanned, %d failed", d.SymbolsScanned, d.SymbolsAttempted, d.SymbolsFailed),
		fmt.Sprintf("Contracts : %d analyzed, %d gated, %d scored", d.ContractsAnalyzed, d.ContractsGated, d.ContractsScored),
		fmt.Sprintf("Elapsed   : %s (%d provider calls)", d.Elapsed.Truncate(time.Millisecond), d.ProviderCalls),
	)
	if d.TimedOut {
		PrintWarning("Scan deadline reached, results are partial")
	}

	if len(r.TopPlays) == 0 {
		fmt.Println("No contracts passed the signal threshold.")
		printRejections(d.Rejections)
		return
	}

	rows := make([][]string, 0, len(r.TopPlays))
	for i, c := range r.TopPlays {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			c.Contract.Symbol,
			price(c.Spot),
			price(c.Premium),
			fmt.Sprintf("%d", c.Score.Composite),
			fmt.Sprintf("%d/%d/%d/%d", c.Score.MaxPain, c.Score.IVSkew, c.Score.Sweep, c.Score.RSIExpiry),
			fmt.Sprintf("%.2f", c.Greeks.Delta),
			pct(c.IV * 100),
			fmt.Sprintf("%s (%s)", price(c.TargetPremium), pct(c.TargetMovePct)),
			fmt.Sprintf("%s (%s)", price(c.StopPremium), pct(c.StopMovePct)),
		})
	}
	_ = renderTable([]string{"#", "Contract", "Spot", "Premium", "Score", "MP/Skew/Sweep/RSI", "Delta", "IV", "Target", "Stop"}, rows)
	printRejections(d.Rejections)
}

func printRejections(rejections map[string]int) {
	if len(rejections) == 0 {
		return
	}
	reasons := make([]string, 0, len(rejections))
	for reason := range rejections {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool { return rejections[reasons[i]] > rejections[reasons[j]] })

	fmt.Println()
	fmt.Println("Rejections:")
	for _, reason := range reasons {
		fmt.Printf("  %-24s %d\n", reason, rejections[reason])
	}
}
