package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/instructions/pkg/catalog"
	"github.com/Mindburn-Labs/helm/instructions/pkg/config"
	"github.com/Mindburn-Labs/helm/instructions/pkg/dispatch"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDispatchCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "dispatch <action> [json-args|-]",
		Short: "Run one catalog action and print its envelope",
		Long: "Runs a single action through the same dispatcher the server uses.\n" +
			"Arguments are a JSON object, or - to read them from stdin.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if len(args) == 2 {
				src := args[1]
				if src == "-" {
					b, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read args: %w", err)
					}
					src = string(b)
				}
				raw = json.RawMessage(strings.TrimSpace(src))
				if len(raw) > 0 && !json.Valid(raw) {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "instructions: arguments are not valid JSON")
					return &exitError{code: exitUsage}
				}
			}

			a, err := newApp(cmd.Context(), cfg, logger, appOptions{history: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			if confirm && dispatch.Action(args[0]).Mutating() {
				if err := a.confirmGate(); err != nil {
					return err
				}
			}
			res := a.dispatcher.Dispatch(cmd.Context(), args[0], raw)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK() {
				return &exitError{code: exitFailure}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&confirm, "yes", "y", false, "confirm the mutation gate for this invocation")
	return cmd
}

// validateReport is printed by validate.
type validateReport struct {
	Dir string `json:"dir"`
	catalog.Debug
	Problems int `json:"problems"`
}

func newValidateCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the catalog and report every skipped file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			snap, err := catalog.NewLoader(a.store, logger.With("component", "catalog")).Load(cmd.Context())
			if err != nil {
				return err
			}
			report := validateReport{Dir: cfg.Dir, Debug: snap.Debug}
			for _, te := range snap.Debug.Trace {
				if te.Reason != catalog.ReasonIgnoredNonRecord {
					report.Problems++
				}
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Problems > 0 {
				return &exitError{code: exitFailure}
			}
			return nil
		},
	}
}

func newHashCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "hash",
		Short: "Print the governance hash of the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			res := a.dispatcher.Dispatch(cmd.Context(), string(dispatch.ActionGovernanceHash), nil)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK() {
				return &exitError{code: exitFailure}
			}
			return nil
		},
	}
}

func newBackupCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, restore and prune catalog backups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Snapshot every record into the backups directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackups(cmd, cfg, logger, func(m backupManager) (any, error) {
				return m.PerformBackup(cmd.Context())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackups(cmd, cfg, logger, func(m backupManager) (any, error) {
				return m.ListBackups()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore a backup after taking a safety snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackups(cmd, cfg, logger, func(m backupManager) (any, error) {
				return m.RestoreBackup(cmd.Context(), args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "prune <retain>",
		Short: "Delete all but the newest <retain> backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retain, err := strconv.Atoi(args[0])
			if err != nil || retain < 0 {
				return fmt.Errorf("retain must be a non-negative integer, got %q", args[0])
			}
			return withBackups(cmd, cfg, logger, func(m backupManager) (any, error) {
				removed, err := m.PruneBackups(retain)
				return map[string]any{"removed": removed, "retained": retain}, err
			})
		},
	})
	return cmd
}
