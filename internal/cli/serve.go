package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forPelevin/clipper/internal/httpapi"
	"github.com/forPelevin/clipper/internal/pipeline"
)

var version = "dev"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("host", "", "Address to bind")
	cmd.Flags().Int("port", 0, "Port to listen on")
	cmd.Flags().Int("max-concurrent", 0, "Jobs transcoding at the same time")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := load(cmd, map[string]string{
		"server.host":         "host",
		"server.port":         "port",
		"jobs.max_concurrent": "max-concurrent",
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := pipeline.Build(cfg, log)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return errors.Join(err, app.Close(context.Background()))
	}

	srv := httpapi.NewServer(cfg.Server, app.Orchestrator, log.Named("http"), version)
	serveErr := srv.ListenAndServe(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return serveErr
}
