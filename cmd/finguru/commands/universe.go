package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var universeConcurrency int

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "Universe commands",
}

var universeCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every universe symbol is known to the reference data provider",
	Long: `Look up each configured symbol and report the ones the provider does not
know, so delisted or mistyped tickers can be dropped from the universe.

Examples:
  finguru universe check
  finguru universe check --format json`,
	RunE: runUniverseCheck,
}

func init() {
	rootCmd.AddCommand(universeCmd)
	universeCmd.AddCommand(universeCheckCmd)
	universeCheckCmd.Flags().IntVar(&universeConcurrency, "concurrency", 5, "parallel lookups")
}

func runUniverseCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	_, _, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	checks := e.CheckUniverse(ctx, universeConcurrency)
	if jsonOutput() {
		return printJSON(checks)
	}

	var rows [][]string
	unknown := 0
	for _, c := range checks {
		if c.Known && c.Error == "" {
			continue
		}
		status := "unknown"
		if c.Error != "" {
			status = "error: " + c.Error
		} else {
			unknown++
		}
		rows = append(rows, []string{c.Symbol, status})
	}

	if len(rows) == 0 {
		PrintSuccess(fmt.Sprintf("All %d symbols are known", len(checks)))
		return nil
	}
	if err := renderTable([]string{"Symbol", "Status"}, rows); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d symbols unknown\n", unknown, len(checks))
	return nil
}
