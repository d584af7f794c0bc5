package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forest6511/safectl/pkg/dbcrypt"
)

// dbCmd is the parent command for database encryption operations
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database encryption at rest",
}

var dbEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Encrypts the item database with a new key",
	Long: `Encrypts the item database with a freshly generated key.

The database is rewritten to a staged copy first. The copy replaces the
original only after it has been verified; if the process is interrupted,
the next command resolves the conversion one way or the other.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return convert(cmd, func(m *dbcrypt.Manager) error {
			return m.StartEnable(cmd.Context(), nil)
		})
	},
}

var dbDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Rewrites the item database as plaintext",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return convert(cmd, func(m *dbcrypt.Manager) error {
			return m.StartDisable(cmd.Context())
		})
	},
}

var dbFinishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Completes or rolls back an interrupted conversion",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return convert(cmd, nil)
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the database encryption state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.db.State(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "State: %s\n", state)

		encrypted, err := dbcrypt.Detect(filepath.Join(cfg.DataDir, mainDBFile))
		switch {
		case errors.Is(err, dbcrypt.ErrDatabaseNotFound):
			fmt.Fprintln(out, "File: not created yet")
		case err != nil:
			return err
		case encrypted:
			fmt.Fprintln(out, "File: encrypted")
		default:
			fmt.Fprintln(out, "File: plaintext")
		}

		if _, err := os.Stat(a.db.TempPath()); err == nil {
			fmt.Fprintln(out, "A staged copy is waiting; run 'safectl db finish'")
		}
		return nil
	},
}

// convert runs start (if any) and then Finish, printing the outcome.
func convert(cmd *cobra.Command, start func(m *dbcrypt.Manager) error) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if start != nil {
		if err := start(a.db); err != nil {
			return err
		}
	}

	outcome, err := a.db.Finish(ctx)
	if err != nil {
		return err
	}
	state, err := a.db.State(ctx)
	if err != nil {
		return err
	}
	printOutcome(cmd.OutOrStdout(), outcome, state)
	if start != nil && outcome == dbcrypt.Canceled {
		return errors.New("database conversion was rolled back")
	}
	return nil
}

func printOutcome(out io.Writer, outcome dbcrypt.Outcome, state dbcrypt.State) {
	switch outcome {
	case dbcrypt.Noop:
		fmt.Fprintf(out, "Nothing to finish (%s)\n", state)
	case dbcrypt.Done:
		fmt.Fprintf(out, "Conversion done: database is %s\n", state)
	case dbcrypt.Canceled:
		fmt.Fprintf(out, "Conversion canceled: database is %s\n", state)
	}
}
