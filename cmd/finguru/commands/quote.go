package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grahams11/finguru/internal/contracts"
)

var greeksType string

var quoteCmd = &cobra.Command{
	Use:   "quote SYMBOL...",
	Short: "Print the freshest quote for stocks, indices or option contracts",
	Long: `Print quotes from the fallback chain (cache, live feed, REST).

Examples:
  finguru quote SPY AAPL
  finguru quote .AAPL240119C150`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuote,
}

var greeksCmd = &cobra.Command{
	Use:   "greeks SYMBOL",
	Short: "Print Greeks for an option contract or an underlying's ATM contract",
	Long: `For a contract symbol the Greeks of that contract are printed. For an
underlying the at-the-money contract of --type at the nearest expiry is used.

Examples:
  finguru greeks SPY
  finguru greeks SPY --type put
  finguru greeks .SPY240119C480`,
	Args: cobra.ExactArgs(1),
	RunE: runGreeks,
}

func init() {
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(greeksCmd)
	greeksCmd.Flags().StringVarP(&greeksType, "type", "t", "call", "option type for an underlying (call|put)")
}

func runQuote(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	_, _, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	quotes := make([]contracts.QuoteSnapshot, 0, len(args))
	var missing []string
	for _, symbol := range args {
		q, ok := e.GetQuote(ctx, symbol)
		if !ok {
			missing = append(missing, strings.ToUpper(symbol))
			continue
		}
		quotes = append(quotes, q)
	}

	if jsonOutput() {
		if err := printJSON(quotes); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(quotes))
		for _, q := range quotes {
			rows = append(rows, []string{
				q.Symbol, price(q.Last), price(q.Bid), price(q.Ask), price(q.Mid()),
				fmt.Sprintf("%d", q.Volume), string(q.Source), ago(q.Timestamp),
			})
		}
		if len(rows) > 0 {
			_ = renderTable([]string{"Symbol", "Last", "Bid", "Ask", "Mid", "Volume", "Source", "Age"}, rows)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("no quote for %s", strings.Join(missing, ", "))
	}
	return nil
}

func runGreeks(cmd *cobra.Command, args []string) error {
	typ, ok := contracts.ParseOptionType(greeksType)
	if !ok {
		return fmt.Errorf("invalid --type %q, want call or put", greeksType)
	}

	ctx, cancel := signalContext()
	defer cancel()

	_, _, e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Stop()

	symbol := strings.ToUpper(args[0])
	g, ok := e.GetOptionsGreeks(ctx, symbol, typ)
	if !ok {
		return fmt.Errorf("no Greeks for %s", symbol)
	}

	if jsonOutput() {
		return printJSON(map[string]interface{}{"symbol": symbol, "type": typ, "greeks": g})
	}
	return renderTable([]string{"Symbol", "Type", "Delta", "Gamma", "Theta", "Vega", "Rho"}, [][]string{{
		symbol, string(typ),
		fmt.Sprintf("%.4f", g.Delta), fmt.Sprintf("%.4f", g.Gamma), fmt.Sprintf("%.4f", g.Theta),
		fmt.Sprintf("%.4f", g.Vega), fmt.Sprintf("%.4f", g.Rho),
	}})
}
