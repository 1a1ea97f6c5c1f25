// Command instructions serves and administers a governed instruction catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/instructions/pkg/config"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitError carries a non-zero exit code out of a command without printing
// anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. args includes the program name.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "instructions: %v\n", err)
		return exitUsage
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	root := newRootCmd(cfg, logger)
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(context.Background()); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		_, _ = fmt.Fprintf(stderr, "instructions: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func newRootCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "instructions",
		Short:         "Governed instruction catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(cfg, logger),
		newDispatchCmd(cfg, logger),
		newValidateCmd(cfg, logger),
		newHashCmd(cfg, logger),
		newBackupCmd(cfg, logger),
	)
	return root
}
