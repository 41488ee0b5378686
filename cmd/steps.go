package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/frost-solutions/nightmeter/internal/cli"
	"github.com/frost-solutions/nightmeter/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	flagStepsKind  string
	flagStepsLimit int
	flagStepsBy    bool
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "Step-by-step spend history",
	RunE:  runSteps,
}

func init() {
	stepsCmd.Flags().StringVar(&flagStepsKind, "kind", "", "Filter to call kind (substring match)")
	stepsCmd.Flags().IntVarP(&flagStepsLimit, "limit", "l", 0, "Show only the most recent N steps")
	stepsCmd.Flags().BoolVar(&flagStepsBy, "by-step", false, "Group by step label instead of listing calls")
	rootCmd.AddCommand(stepsCmd)
}

func runSteps(cmd *cobra.Command, _ []string) error {
	m, closeStore, err := openMeter()
	if err != nil {
		return err
	}
	defer closeStore()

	l, err := m.Ledger(cmd.Context())
	if err != nil {
		return err
	}

	steps := pipeline.FilterSteps(l.Steps, flagStepsKind, time.Time{}, time.Time{})
	if len(steps) == 0 {
		fmt.Println("\n  No steps recorded.")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("STEP HISTORY"))
	fmt.Println()

	if flagStepsBy {
		rows := make([][]string, 0, len(steps))
		for _, s := range pipeline.AggregateByStep(steps) {
			rows = append(rows, []string{
				s.Step,
				strconv.Itoa(s.Calls),
				cli.FormatSEK(s.Cost),
				cli.FormatClock(s.First) + "-" + cli.FormatClock(s.Last),
			})
		}
		fmt.Print(cli.RenderTable(cli.Table{
			Headers: []string{"Step", "Calls", "Cost", "Window"},
			Rows:    rows,
		}))
		return nil
	}

	// Numbering counts from the first shown step of the filtered list.
	shown := pipeline.LastSteps(steps, flagStepsLimit)
	offset := len(steps) - len(shown)

	rows := make([][]string, 0, len(shown)+2)
	costs := make([]float64, 0, len(shown))
	var sum float64
	for i, s := range shown {
		rows = append(rows, []string{
			strconv.Itoa(offset + i + 1),
			cli.FormatClock(s.Timestamp),
			s.Step,
			s.Kind,
			cli.FormatAmount(s.Count),
			cli.FormatSEK(s.Cost),
			cli.FormatSEK(s.TotalAfter),
		})
		costs = append(costs, s.Cost)
		sum += s.Cost
	}

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"#", "Time", "Step", "Kind", "Count", "Cost", "Total after"},
		Rows:    rows,
		Footer:  []string{"", "", "", "TOTAL", "", cli.FormatSEK(sum), ""},
	}))
	fmt.Printf("\n  %s  %s\n", cli.Muted("cost per call"), cli.RenderSparkline(costs))
	return nil
}
