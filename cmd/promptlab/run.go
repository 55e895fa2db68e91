package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/job"
	"github.com/ahrav/promptlab/internal/stream"
)

var runOpts struct {
	provider  string
	model     string
	prompt    string
	metrics   []string
	disabled  []string
	reference string
	raw       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job in the foreground and print its events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		req := domain.CreateJobRequest{
			Prompt:          runOpts.prompt,
			Provider:        runOpts.provider,
			Model:           runOpts.model,
			DisabledMetrics: runOpts.disabled,
			ReferenceText:   runOpts.reference,
		}
		for _, id := range runOpts.metrics {
			req.Metrics = append(req.Metrics, domain.MetricSelection{ID: id})
		}

		j, err := a.svc.Create(ctx, req)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		enc := json.NewEncoder(out)
		unsubscribe := a.svc.Hub().Subscribe(j.ID, func(e stream.Event) {
			if runOpts.raw {
				_ = enc.Encode(map[string]any{"event": e.Kind(), "data": e})
				return
			}
			switch ev := e.(type) {
			case stream.TokenEvent:
				fmt.Fprint(out, ev.Content)
			case stream.ErrorEvent:
				fmt.Fprintf(cmd.ErrOrStderr(), "\nerror (%s): %s\n", ev.Type, ev.Message)
			}
		})
		defer unsubscribe()

		// An interrupt cancels the job through the registry so the partial
		// output is kept.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = a.svc.Cancel(cmd.Context(), j.ID)
			case <-done:
			}
		}()

		var final *domain.Job
		for {
			final, err = a.svc.Run(cmd.Context(), j.ID)
			if !errors.Is(err, job.ErrRequeued) {
				break
			}
			a.logger.Warn("job attempt failed, retrying", "job_id", j.ID, "attempt", final.AttemptCount, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(a.cfg.Jobs.RequeueDelay):
			}
		}
		if errors.Is(err, job.ErrNotRunnable) {
			// Cancelled between attempts.
			final, err = a.svc.Get(cmd.Context(), j.ID)
		}
		if final == nil {
			return err
		}

		if !runOpts.raw {
			fmt.Fprintln(out)
			summary, _ := json.MarshalIndent(map[string]any{
				"id":            final.ID,
				"status":        final.Status,
				"metrics":       final.Metrics,
				"average_score": final.AverageScore,
				"tokens_used":   final.TokensUsed,
				"cost_usd":      final.CostUSD,
			}, "", "  ")
			fmt.Fprintln(out, string(summary))
		}
		if final.Status == domain.JobFailed {
			return err
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.provider, "provider", "stub", "Provider name")
	f.StringVar(&runOpts.model, "model", "m1", "Model name")
	f.StringVarP(&runOpts.prompt, "prompt", "p", "", "Prompt text")
	f.StringSliceVar(&runOpts.metrics, "metric", nil, "Metric plugin id to run (repeatable; defaults apply when omitted)")
	f.StringSliceVar(&runOpts.disabled, "disable-metric", nil, "Metric plugin id to skip (repeatable)")
	f.StringVar(&runOpts.reference, "reference", "", "Reference text for reference-based metrics")
	f.BoolVar(&runOpts.raw, "raw", false, "Print every stream event as a JSON line")
	_ = runCmd.MarkFlagRequired("prompt")
}
