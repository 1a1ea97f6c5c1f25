package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm/instructions/pkg/config"
	"github.com/Mindburn-Labs/helm/instructions/pkg/mcp"
)

func newServeCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog to agents over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, httpAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "also serve the HTTP gateway on this address")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, httpAddr string) error {
	a, err := newApp(ctx, cfg, logger, appOptions{history: true})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Warn("serve: close", "error", err)
		}
	}()

	debug, err := a.catalog.Reload(ctx)
	if err != nil {
		return err
	}
	logger.Info("serve: catalog loaded", "dir", cfg.Dir, "accepted", debug.Accepted, "skipped", debug.Skipped,
		"mutation_enabled", cfg.MutationEnabled, "gate", a.gate.Status().State)

	// The MCP session owns the process lifetime: when the client goes away
	// everything else stops too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Run(ctx)
			return nil
		})
	}
	if httpAddr != "" {
		srv := &http.Server{
			Addr:              httpAddr,
			Handler:           mcp.NewGateway(a.dispatcher, logger.With("component", "gateway")).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serve: http gateway listening", "addr", httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	server := mcp.NewServer(a.dispatcher, logger.With("component", "mcp"))
	g.Go(func() error {
		defer cancel()
		return server.Serve(ctx)
	})
	return g.Wait()
}
