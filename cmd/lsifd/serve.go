package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lsifd/internal/api"
	"lsifd/internal/backend"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the lsifd HTTP API server. It accepts LSIF uploads, enqueues
conversion jobs for the worker, and answers exists, definitions, references,
and hover requests against converted dumps.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := buildEnvironment(context.Background())
	if err != nil {
		return err
	}
	defer env.Close()

	b := backend.New(env.logger, env.xrepo, env.paths, env.caches, env.git)
	server := api.NewServer(env.logger, env.metrics, &env.cfg, b, env.jobs, env.xrepo, env.paths, env.git)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			env.logger.Error("Server error", map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}
	case sig := <-shutdown:
		env.logger.Info("Received shutdown signal", map[string]interface{}{
			"signal": sig.String(),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			env.logger.Error("Error during shutdown", map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}
		env.logger.Info("Server stopped gracefully", nil)
	}

	return nil
}
