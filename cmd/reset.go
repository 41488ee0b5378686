package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	flagReset   bool
	flagConfirm bool
)

// stdinIsTerminal reports whether a confirmation prompt can be shown.
var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start a new night: discard the ledger and all recorded spend",
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&flagConfirm, "confirm", false, "Reset without prompting")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, _ []string) error {
	if !flagConfirm {
		if !stdinIsTerminal() {
			fmt.Println("  This will reset the budget meter. Use --confirm to proceed.")
			return exitError{code: 1}
		}

		ok, err := confirmReset()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("  Reset cancelled.")
			return nil
		}
	}

	m, closeStore, err := openMeter()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := m.Reset(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("  Budget meter reset.")
	return nil
}

func confirmReset() (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title("Reset the budget meter?").
		Description("All recorded spend for this night is discarded. This cannot be undone.").
		Affirmative("Reset").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}
