package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahrav/promptlab/internal/api"
	"github.com/ahrav/promptlab/internal/configuration"
	"github.com/ahrav/promptlab/internal/connpool"
	"github.com/ahrav/promptlab/internal/job"
	"github.com/ahrav/promptlab/internal/stream"
	"github.com/ahrav/promptlab/internal/worker"
	"github.com/ahrav/promptlab/internal/workflow"
)

var dispatchMode string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API and execute jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.cfg.ValidateDispatch(dispatchMode); err != nil {
			return err
		}

		opts := []api.Option{api.WithLogger(a.logger.With("component", "api"))}
		if a.registry != nil {
			opts = append(opts, api.WithGatherer(a.registry))
		}

		var submitter api.Submitter
		switch dispatchMode {
		case configuration.DispatchLocal:
			dispatcher := job.NewDispatcher(a.svc, a.cfg.Jobs, job.WithDispatcherLogger(a.logger.With("component", "dispatcher")))
			if err := dispatcher.Start(ctx); err != nil {
				return err
			}
			defer dispatcher.Stop()
			submitter = dispatcher
		case configuration.DispatchTemporal:
			c, err := worker.Dial(a.cfg.Temporal, a.logger)
			if err != nil {
				return err
			}
			defer c.Close()
			submitter = worker.NewSubmitter(c, a.svc, a.cfg.Temporal.TaskQueue, workflow.DefaultAttemptTimeout)

			if a.cfg.Events.Bridge != configuration.BridgeRedis {
				a.logger.Warn("no events bridge configured, live streaming disabled for remote jobs")
				opts = append(opts, api.WithoutLiveStream())
				break
			}
			bridge, client, err := stream.DialRedisBridge(ctx, a.cfg.Events, a.logger)
			if err != nil {
				return err
			}
			defer client.Close()
			go func() {
				if err := bridge.Relay(ctx, client, a.svc.Hub(), a.svc.Forget); err != nil && ctx.Err() == nil {
					a.logger.Error("event relay stopped", "error", err)
				}
			}()
		}

		pool := connpool.New(a.svc.Hub(),
			connpool.WithBufferSize(a.cfg.Server.StreamBuffer),
			connpool.WithLogger(a.logger.With("component", "connpool")),
			connpool.WithMetrics(a.metrics))
		defer pool.Close()

		server := api.NewServer(a.svc, submitter, pool, opts...)

		listener, err := newListener(a.cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("creating listener: %w", err)
		}
		a.logger.Info("promptlab serving", "addr", listener.Addr().String(), "dispatch", dispatchMode)
		return server.Run(ctx, listener, a.cfg.Server.ShutdownTimeout)
	},
}

func init() {
	serveCmd.Flags().StringVar(&dispatchMode, "dispatch", configuration.DispatchLocal, "Job dispatch: local (in-process workers) or temporal")
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}

