package cmd

import (
	"fmt"
	"time"

	"github.com/frost-solutions/nightmeter/internal/tui"
	"github.com/frost-solutions/nightmeter/internal/tui/theme"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

var flagWatchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live budget dashboard",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&flagWatchInterval, "interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(_ *cobra.Command, _ []string) error {
	m, closeStore, err := openMeter()
	if err != nil {
		return err
	}
	defer closeStore()

	theme.SetActive(settings.Appearance.Theme)
	if !flagNoColor {
		lipgloss.SetColorProfile(termenv.TrueColor)
	}

	p := tea.NewProgram(tui.NewWatch(m.Summary, flagWatchInterval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
