package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forest6511/safectl/internal/config"
	"github.com/forest6511/safectl/pkg/audit"
	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/safe"
	"github.com/forest6511/safectl/pkg/security"
)

// initCmd creates a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Creates a new vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		// 1. Prompt for the master password twice
		pw, err := prompt.password("Enter master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw)
		confirm, err := prompt.password("Confirm master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(confirm)

		if !bytes.Equal(pw, confirm) {
			return errors.New("passwords do not match")
		}
		check := security.CheckMasterPassword(pw)
		if !check.Valid {
			return fmt.Errorf("password validation failed: %s", check.Warnings[0])
		}

		// Warnings are advisory, not blocking
		fmt.Fprintf(out, "Password strength: %s\n", check.Strength)
		for _, warning := range check.Warnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}

		// 2. Provision
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		orch, err := a.orchestrator("")
		if err != nil {
			return err
		}

		var hc crypto.HardwareCipher
		if useBiometric {
			if hc, err = deviceCipher(); err != nil {
				return err
			}
		}

		c, key, err := safe.Provision(ctx, a.repo, pw, cfg.KDF.Params(), hc)
		if err != nil {
			return fmt.Errorf("failed to create vault: %w", err)
		}
		defer key.Destroy()

		// 3. A new vault starts at the current schema
		if err := a.settings.Safe(c.ID).SetSchemaVersion(orch.Latest()); err != nil {
			return err
		}

		log := a.auditLog(c.ID)
		if err := log.SetHMACKey(key); err != nil {
			logger.Warn("failed to initialize audit log", "err", err)
		} else if err := log.LogSuccess(audit.OpVaultInit, c.ID, nil); err != nil {
			logger.Warn("failed to write audit event", "err", err)
		}

		// 4. Keep a config file next to the data so it can be tuned
		if _, err := os.Stat(filepath.Join(cfg.DataDir, config.FileName)); errors.Is(err, os.ErrNotExist) {
			if err := cfg.Save(cfg.DataDir); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
		}

		fmt.Fprintf(out, "Vault created: %s\n", c.ID)
		return nil
	},
}

// statusCmd shows the schema version of every vault and the database state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows vault versions and database encryption state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		orch, err := a.orchestrator("")
		if err != nil {
			return err
		}

		ids, err := a.repo.List(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(out, "No vaults found")
		}
		for _, id := range ids {
			version, _, err := orch.CurrentVersion(ctx, id)
			if err != nil {
				return err
			}
			state := "up to date"
			if version < orch.Latest() {
				state = "needs migration"
			}
			fmt.Fprintf(out, "%s  version %d/%d  %s\n", id, version, orch.Latest(), state)
		}

		dbState, err := a.db.State(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database: %s\n", dbState)
		return nil
	},
}

// migrateCmd unlocks a vault, running any pending migration steps
var migrateCmd = &cobra.Command{
	Use:   "migrate [safe-id]",
	Short: "Unlocks a vault and brings it to the current schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		safeID := args[0]

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		orch, err := a.orchestrator(safeID)
		if err != nil {
			return err
		}
		from, _, err := orch.CurrentVersion(ctx, safeID)
		if err != nil {
			return err
		}

		if err := a.unlock(ctx, orch, safeID); err != nil {
			return err
		}

		if from < orch.Latest() {
			fmt.Fprintf(cmd.OutOrStdout(), "Vault %s migrated from version %d to %d\n", safeID, from, orch.Latest())
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Vault %s is up to date (version %d)\n", safeID, from)
		}
		return nil
	},
}

// deleteCmd removes a vault and every record it owns
var deleteCmd = &cobra.Command{
	Use:   "delete [safe-id]",
	Short: "Deletes a vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		safeID := args[0]

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		orch, err := a.orchestrator(safeID)
		if err != nil {
			return err
		}

		// 1. Only the owner of the password may delete
		if err := a.unlock(ctx, orch, safeID); err != nil {
			return err
		}

		if !deleteForce {
			ok, err := prompt.confirm(fmt.Sprintf("Delete vault %s and all of its items?", safeID))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}
		}

		// 2. Record the deletion while the chain key is still available
		if err := a.audit.LogSuccess(audit.OpVaultDelete, safeID, nil); err != nil {
			logger.Warn("failed to write audit event", "err", err)
		}

		// 3. Items first, the key record last, so a failure never strands
		// items without their keys
		if err := a.store.DeleteSafe(ctx, safeID); err != nil {
			return err
		}
		if err := a.settings.DeleteSafe(safeID); err != nil {
			return err
		}
		if err := a.repo.Delete(ctx, safeID); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Vault %s deleted\n", safeID)
		return nil
	},
}
