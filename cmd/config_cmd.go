package cmd

import (
	"fmt"

	"github.com/frost-solutions/nightmeter/internal/cli"
	"github.com/frost-solutions/nightmeter/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved settings and router config",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	fmt.Printf("  Settings file: %s\n", config.ConfigPath())
	if config.Exists() {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no settings file)")
	}
	fmt.Println()

	fmt.Println("  [Paths]")
	fmt.Printf("    Router config: %s\n", routerPath())
	fmt.Printf("    Ledger:        %s\n", meterPath())
	fmt.Printf("    Store:         %s\n", storeKind())
	fmt.Println()

	fmt.Println("  [Appearance]")
	fmt.Printf("    Theme: %s\n", settings.Appearance.Theme)
	fmt.Println()

	fmt.Println("  [Daemon]")
	fmt.Printf("    Address:  %s\n", settings.Daemon.Addr)
	fmt.Printf("    Interval: %s\n", config.DaemonInterval(settings))
	fmt.Println()

	fmt.Println("  [Router]")
	router, err := config.LoadRouter(routerPath())
	if err != nil {
		fmt.Printf("    %v\n", err)
		fmt.Println()
		return err
	}
	fmt.Printf("    Night cap:      %s SEK\n", cli.FormatAmount(router.NightTotalMax))
	if limit, ok := router.PerKindLimit(); ok {
		fmt.Printf("    Per-task limit: %s SEK\n", cli.FormatAmount(limit))
	} else {
		fmt.Println("    Per-task limit: not set")
	}
	for _, kind := range router.Kinds() {
		fmt.Printf("    %-28s %s SEK\n", config.PriceKey(kind), cli.FormatAmount(router.PriceFor(kind)))
	}
	fmt.Println()

	fmt.Println("  Run `nightmeter setup` to reconfigure.")
	return nil
}
