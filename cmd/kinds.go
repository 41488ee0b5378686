package cmd

import (
	"fmt"
	"strconv"

	"github.com/frost-solutions/nightmeter/internal/cli"
	"github.com/frost-solutions/nightmeter/internal/config"
	"github.com/frost-solutions/nightmeter/internal/pipeline"

	"github.com/spf13/cobra"
)

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "Spend by call kind, with prices and per-task limit usage",
	RunE:  runKinds,
}

func init() {
	rootCmd.AddCommand(kindsCmd)
}

func runKinds(cmd *cobra.Command, _ []string) error {
	router, err := config.LoadRouter(routerPath())
	if err != nil {
		return err
	}

	m, closeStore, err := openMeter()
	if err != nil {
		return err
	}
	defer closeStore()

	l, err := m.Ledger(cmd.Context())
	if err != nil {
		return err
	}

	limit, hasLimit := router.PerKindLimit()
	stats := pipeline.AggregateByKind(l.Steps, limit)

	seen := make(map[string]bool, len(stats))
	rows := make([][]string, 0, len(stats)+4)
	for _, k := range stats {
		seen[k.Kind] = true
		used := "-"
		if hasLimit {
			used = cli.FormatPercent(k.LimitPercent)
		}
		rows = append(rows, []string{
			k.Kind,
			priceCell(router, k.Kind),
			strconv.Itoa(k.Calls),
			cli.FormatAmount(k.Count),
			cli.FormatSEK(k.Cost),
			cli.FormatPercent(k.SharePercent),
			used,
		})
	}
	// Priced kinds with no activity yet.
	for _, kind := range router.Kinds() {
		if !seen[kind] {
			rows = append(rows, []string{kind, priceCell(router, kind), "0", "0", cli.FormatSEK(0), "-", "-"})
		}
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("SPEND BY KIND"))
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Kind", "Price", "Calls", "Units", "Cost", "Share", "Of limit"},
		Rows:    rows,
		Footer:  []string{"TOTAL", "", strconv.Itoa(len(l.Steps)), "", cli.FormatSEK(l.Total), "", ""},
	}))

	fmt.Println()
	fmt.Printf("  Night cap: %s SEK\n", cli.FormatAmount(router.NightTotalMax))
	if hasLimit {
		fmt.Printf("  Per-task limit: %s SEK\n", cli.FormatAmount(limit))
	} else {
		fmt.Println("  Per-task limit: not set")
	}
	return nil
}

func priceCell(r config.Router, kind string) string {
	if _, ok := r.Prices[config.PriceKey(kind)]; !ok {
		return "free"
	}
	return cli.FormatAmount(r.PriceFor(kind)) + " SEK"
}
