package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/frost-solutions/nightmeter/internal/cli"
	"github.com/frost-solutions/nightmeter/internal/meter"

	"github.com/spf13/cobra"
)

var (
	flagReportJSON bool
	flagVerify     bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the budget report; exit 0 OK, 1 at 75%+, 2 at 90%+",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&flagReportJSON, "json", false, "Print the summary as JSON")
	reportCmd.Flags().BoolVar(&flagVerify, "verify", false, "Check ledger invariants")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, _ []string) error {
	m, closeStore, err := openMeter()
	if err != nil {
		return err
	}
	defer closeStore()

	sum, err := m.Summary(cmd.Context())
	if err != nil {
		return err
	}

	if flagVerify {
		if err := sum.Ledger().Verify(); err != nil {
			return fmt.Errorf("ledger check failed: %w", err)
		}
	}

	if flagReportJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
	} else {
		printReport(sum)
	}

	if code := sum.Status().ExitCode(); code != 0 {
		return exitError{code: code}
	}
	return nil
}

func printReport(sum meter.Summary) {
	fmt.Println()
	fmt.Println(cli.RenderTitle("NIGHT FACTORY BUDGET"))
	fmt.Println()

	fmt.Println(cli.RenderBudgetBar(sum))
	fmt.Printf("Spent: %.2f SEK / %s SEK (%.1f%%)\n", sum.Total, cli.FormatAmount(sum.Max), sum.Percent)
	fmt.Printf("Remaining: %.2f SEK\n", sum.Remaining)
	if sum.PerKindMax != nil {
		fmt.Printf("Per-task limit: %s SEK\n", cli.FormatAmount(*sum.PerKindMax))
	}

	fmt.Println()
	fmt.Println(cli.RenderSection("Breakdown:"))
	rows := sum.Breakdown()
	if len(rows) == 0 {
		fmt.Println("  (no activity)")
	}
	for _, r := range rows {
		fmt.Printf("  - %s: %.2f SEK\n", r.Kind, r.Spent)
	}

	if len(sum.Steps) > 0 {
		fmt.Println()
		fmt.Println(cli.RenderSection("Detailed Steps:"))
		for i, st := range sum.Steps {
			fmt.Printf("%d. [%s] %s: %s x%s = %.2f SEK (total: %.2f SEK)\n",
				i+1, cli.FormatClock(st.Timestamp), st.Step, st.Kind,
				cli.FormatAmount(st.Count), st.Cost, st.TotalAfter)
		}
	}

	if len(sum.Warnings) > 0 {
		fmt.Println()
		fmt.Println(cli.RenderSection("Warnings Triggered:"))
		for _, w := range sum.Warnings {
			fmt.Printf("  - %s threshold\n", w)
		}
	}

	fmt.Printf("\nSteps: %d API calls\n", len(sum.Steps))
	fmt.Println(cli.Muted("Night started " + sum.StartTime.Local().Format("2006-01-02 15:04:05")))
	fmt.Println()
	fmt.Println(cli.RenderStatus(sum.Status()))
}

