package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/frost-solutions/nightmeter/internal/cli"
	"github.com/frost-solutions/nightmeter/internal/meter"

	"github.com/spf13/cobra"
)

// exitDenied is the spend command's exit code for a rejected check.
const exitDenied = 3

var (
	flagSpendCount float64
	flagSpendStep  string
	flagSpendJSON  bool
)

var spendCmd = &cobra.Command{
	Use:   "spend <kind>",
	Short: "Check and record a paid call; exit 0 granted, 3 over budget",
	Long: "Check whether a paid call fits the budget and, if it does, record it.\n" +
		"Run this before making the call. A granted check has already been\n" +
		"charged, whether or not the call later succeeds.",
	Args: cobra.ExactArgs(1),
	RunE: runSpend,
}

func init() {
	spendCmd.Flags().Float64Var(&flagSpendCount, "count", 1, "Number of units (fractional allowed)")
	spendCmd.Flags().StringVar(&flagSpendStep, "step", "", "Step label for the ledger (default \"unknown\")")
	spendCmd.Flags().BoolVar(&flagSpendJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(spendCmd)
}

func runSpend(cmd *cobra.Command, args []string) error {
	m, closeStore, err := openMeter()
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := m.SpendCheck(cmd.Context(), meter.Request{
		Kind:  args[0],
		Count: meter.Units(flagSpendCount),
		Step:  flagSpendStep,
	})
	if err != nil {
		return err
	}

	if flagSpendJSON {
		if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
			return err
		}
	} else if res.Granted {
		fmt.Printf("  %s x%s = %.2f SEK (total: %.2f SEK)\n",
			res.Kind, cli.FormatAmount(res.Count), res.Cost, res.Ledger.Total)
	}

	if !res.Granted {
		fmt.Fprintln(os.Stderr, res.Message)
		return exitError{code: exitDenied}
	}
	return nil
}
