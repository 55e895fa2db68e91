package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahrav/promptlab/internal/configuration"
	"github.com/ahrav/promptlab/internal/worker"
	"github.com/ahrav/promptlab/pkg/events"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker that executes job workflows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, withEventForwarding())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.cfg.ValidateDispatch(configuration.DispatchTemporal); err != nil {
			return err
		}

		c, err := worker.Dial(a.cfg.Temporal, a.logger)
		if err != nil {
			return err
		}
		defer c.Close()

		acts := worker.NewActivities(a.svc, events.NewLogSink(a.logger))
		a.logger.Info("temporal worker started", "task_queue", a.cfg.Temporal.TaskQueue, "namespace", a.cfg.Temporal.Namespace)
		return worker.Run(ctx, c, a.cfg.Temporal, acts)
	},
}
