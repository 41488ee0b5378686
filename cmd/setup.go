package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/frost-solutions/nightmeter/internal/config"
	"github.com/frost-solutions/nightmeter/internal/tui/theme"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive settings wizard",
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := settings

	form := newSetupForm(&cfg)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("  Setup cancelled, nothing saved.")
			return nil
		}
		return err
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Saved to %s\n", config.ConfigPath())
	fmt.Println("  Run `nightmeter setup` anytime to reconfigure.")
	fmt.Println()
	return nil
}

func newSetupForm(cfg *config.Config) *huh.Form {
	themes := make([]huh.Option[string], 0, len(theme.All))
	for _, name := range theme.Names() {
		themes = append(themes, huh.NewOption(name, name))
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Router config").
				Description("JSON, TOML or YAML file with *_SEK prices and night_total_SEK_max.").
				Value(&cfg.Paths.Router),
			huh.NewSelect[string]().
				Title("Ledger backend").
				Options(
					huh.NewOption("JSON file (shared with existing jobs)", config.StoreJSON),
					huh.NewOption("SQLite database", config.StoreSQLite),
				).
				Value(&cfg.Paths.Store),
			huh.NewInput().
				Title("Ledger path").
				Description("Leave empty for reports/budget_meter.json or .db.").
				Value(&cfg.Paths.Meter),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Color theme").
				Options(themes...).
				Value(&cfg.Appearance.Theme),
			huh.NewSelect[string]().
				Title("Log level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&cfg.Log.Level),
			huh.NewInput().
				Title("Daemon poll interval").
				Value(&cfg.Daemon.Interval).
				Validate(func(s string) error {
					if _, err := time.ParseDuration(s); err != nil {
						return errors.New("use a duration like 30s or 1m")
					}
					return nil
				}),
		),
	)
}
