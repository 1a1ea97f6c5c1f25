package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/instructions/pkg/backup"
	"github.com/Mindburn-Labs/helm/instructions/pkg/config"
)

type backupManager interface {
	PerformBackup(ctx context.Context) (backup.Manifest, error)
	ListBackups() ([]backup.Manifest, error)
	RestoreBackup(ctx context.Context, id string) (backup.RestoreResult, error)
	PruneBackups(retain int) ([]string, error)
}

var _ backupManager = (*backup.Manager)(nil)

// withBackups wires a manager, runs fn and prints its result.
func withBackups(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, fn func(backupManager) (any, error)) error {
	a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(cmd.Context()) }()

	m, err := a.backups(cmd.Context())
	if err != nil {
		return err
	}
	out, err := fn(m)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), out)
}
