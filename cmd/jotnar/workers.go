package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jotnar/internal/telemetry"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Poll the issue tracker and enqueue new triage tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(func(ctx context.Context, a *app) error {
			return a.ingester().Run(ctx, viper.GetDuration("ingest.interval"))
		})
	},
}

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Consume the triage queue and route resolutions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(func(ctx context.Context, a *app) error {
			return a.triageWorker().Run(ctx)
		})
	},
}

var rebaseCmd = &cobra.Command{
	Use:   "rebase",
	Short: "Consume the rebase queues and open merge requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(func(ctx context.Context, a *app) error {
			return a.rebaseWorker().Run(ctx)
		})
	},
}

var backportCmd = &cobra.Command{
	Use:   "backport",
	Short: "Consume the backport queues and open merge requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(func(ctx context.Context, a *app) error {
			return a.backportWorker().Run(ctx)
		})
	},
}

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Remove stale clone directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		return runStage(func(ctx context.Context, a *app) error {
			if once {
				n, err := a.janitor().SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d stale clone directories\n", n)
				return nil
			}
			return a.janitor().Run(ctx, viper.GetDuration("janitor.interval"))
		})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every stage in one process",
	Long: `Runs the ingester, all three workers and the janitor together. Intended
for small deployments and local development; production splits the stages
into separate processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(func(ctx context.Context, a *app) error {
			var wg sync.WaitGroup
			run := func(name string, fn func(context.Context) error) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
						a.logger.Error("stage stopped", "stage", name, "error", err)
					}
				}()
			}
			run("ingest", func(ctx context.Context) error {
				return a.ingester().Run(ctx, viper.GetDuration("ingest.interval"))
			})
			run("triage", a.triageWorker().Run)
			run("rebase", a.rebaseWorker().Run)
			run("backport", a.backportWorker().Run)
			run("janitor", func(ctx context.Context) error {
				return a.janitor().Run(ctx, viper.GetDuration("janitor.interval"))
			})
			wg.Wait()
			return ctx.Err()
		})
	},
}

func init() {
	janitorCmd.Flags().Bool("once", false, "sweep once and exit")
	rootCmd.AddCommand(ingestCmd, triageCmd, rebaseCmd, backportCmd, janitorCmd, allCmd)
}

// runStage wires the app, starts the metrics endpoint and runs fn until it
// returns or a termination signal arrives. Cancellation is a clean exit.
func runStage(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if addr := viper.GetString("metrics.addr"); addr != "" {
		go func() {
			if err := telemetry.StartMetricsServer(addr); err != nil {
				a.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if err := fn(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
