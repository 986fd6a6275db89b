package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"lsifd/internal/jobs"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the conversion worker",
	Long: `Start the lsifd worker. It consumes queued convert jobs, turns spooled
uploads into dump databases, and periodically refreshes which dumps are
visible at each repository's tip. Metrics are exposed on a separate port.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	env, err := buildEnvironment(context.Background())
	if err != nil {
		return err
	}
	defer env.Close()

	runner := jobs.NewRunner(env.jobs, env.logger, env.metrics, env.cfg.Queue, env.cfg.HeadsInterval)
	runner.RegisterHandler(jobs.JobTypeConvert, jobs.NewConvertHandler(env.logger, env.metrics, env.paths, env.xrepo))
	if env.git != nil {
		runner.RegisterHandler(jobs.JobTypeUpdateTips, jobs.NewUpdateTipsHandler(env.logger, env.xrepo, env.git))
	} else {
		env.logger.Warn("GITSERVER_URL not set; tip tracking disabled", nil)
	}
	runner.Start()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", env.cfg.WorkerMetricsPort),
		Handler: promhttp.Handler(),
	}
	metricsErr := make(chan error, 1)
	go func() {
		env.logger.Info("Starting worker metrics server", map[string]interface{}{
			"addr": metricsServer.Addr,
		})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metricsErr <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-metricsErr:
		env.logger.Error("Metrics server error", map[string]interface{}{
			"error": err.Error(),
		})
		runner.Stop(30 * time.Second)
		return err
	case sig := <-shutdown:
		env.logger.Info("Received shutdown signal", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(ctx)

	if err := runner.Stop(30 * time.Second); err != nil {
		env.logger.Error("Error stopping job runner", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	env.logger.Info("Worker stopped gracefully", nil)
	return nil
}
