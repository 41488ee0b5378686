// Package cmd implements the nightmeter CLI commands.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/frost-solutions/nightmeter/internal/config"
	"github.com/frost-solutions/nightmeter/internal/logging"
	"github.com/frost-solutions/nightmeter/internal/meter"
	"github.com/frost-solutions/nightmeter/internal/store"
	"github.com/frost-solutions/nightmeter/internal/tui/theme"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	flagRouter   string
	flagMeter    string
	flagStore    string
	flagQuiet    bool
	flagLogLevel string
	flagNoColor  bool

	settings config.Config
	logger   = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "nightmeter",
	Short: "Night Factory budget meter",
	Long: "Track and cap what the Night Factory spends on paid API calls.\n" +
		"Without a subcommand, prints the budget report.",
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runRoot,
}

// exitError carries a process exit code without an error message of its
// own. Report and spend use it for their status codes.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}

	fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
	if errors.Is(err, store.ErrCorrupt) {
		fmt.Fprintln(os.Stderr, "  The budget meter cannot be read. Inspect it, or start over with: nightmeter reset --confirm")
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagRouter, "config", "c", "", "Router config with prices and caps (default config/router.json)")
	rootCmd.PersistentFlags().StringVarP(&flagMeter, "meter", "m", "", "Budget meter ledger path (default reports/budget_meter.json)")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "Ledger backend: json or sqlite")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Only log errors")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")

	rootCmd.Flags().BoolVar(&flagReset, "reset", false, "Reset the budget meter (requires --confirm)")
	rootCmd.Flags().BoolVar(&flagConfirm, "confirm", false, "Confirm --reset without prompting")
	rootCmd.Flags().BoolVar(&flagReportJSON, "json", false, "Print the summary as JSON")
	rootCmd.Flags().BoolVar(&flagVerify, "verify", false, "Check ledger invariants")
}

// setup loads .env and the settings file, then configures logging and
// colors. It runs before every command.
func setup(_ *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	settings = cfg
	theme.SetActive(cfg.Appearance.Theme)

	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	if flagQuiet {
		level = "error"
	}

	color := !flagNoColor && os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stdout.Fd()))
	if !color {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	logger, err = logging.New(os.Stderr, level, !color)
	return err
}

func routerPath() string {
	if flagRouter != "" {
		return flagRouter
	}
	return config.RouterPath(settings)
}

func storeKind() string {
	if flagStore != "" {
		return flagStore
	}
	return config.StoreKind(settings)
}

func meterPath() string {
	if flagMeter != "" {
		return flagMeter
	}
	if flagStore != "" && settings.Paths.Meter == "" && os.Getenv("NIGHTMETER_METER") == "" {
		return config.DefaultMeterPath(flagStore)
	}
	return config.MeterPath(settings)
}

// openMeter wires the router file, the ledger store and the logger into a
// meter. The returned func closes the store.
func openMeter(opts ...meter.Option) (*meter.Meter, func(), error) {
	st, err := store.Open(storeKind(), meterPath())
	if err != nil {
		return nil, nil, err
	}
	logger.Debug().Str("router", routerPath()).Str("meter", meterPath()).Str("store", storeKind()).Msg("opening budget meter")

	opts = append([]meter.Option{meter.WithLogger(logger)}, opts...)
	m := meter.New(config.RouterFile(routerPath()), st, opts...)
	return m, func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing budget meter store")
		}
	}, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	if flagReset {
		return runReset(cmd, args)
	}
	return runReport(cmd, args)
}
