package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"testplane/internal/config"
	"testplane/internal/dispatch"
	"testplane/internal/logger"
	"testplane/internal/observability"
	"testplane/internal/planner"
	"testplane/internal/report"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan the workload and execute it across worker processes",
	RunE:  runE,
}

func addRunFlags(flags *pflag.FlagSet) {
	flags.Int("workers", runtime.NumCPU(), "number of parallel worker processes")
	flags.Int("retries", 0, "retry budget for unexpectedly failing tests")
	flags.Int("repeat-each", 1, "run every test this many times")
	flags.Duration("timeout", config.DefaultTimeout, "per-test timeout")
	flags.Duration("global-timeout", 0, "abort the whole run after this duration (0 disables)")
	flags.StringSlice("grep", nil, "only run tests whose full title matches the pattern")
	flags.String("shard", "", "run one shard of the workload, as current/total (one-based)")
	flags.StringSlice("project", nil, "only run the named projects")
	flags.Bool("forbid-only", false, "fail the run if any test is marked only")
	flags.Int("max-failures", 0, "stop after this many unexpected failures (0 disables)")
	flags.StringSlice("reporter", nil, "reporters to attach: line, list, json")
	flags.String("output", config.DefaultOutputDir, "base directory for test artifacts")
	flags.Bool("quiet", false, "suppress per-test terminal output")
	flags.Bool("update-snapshots", false, "rewrite snapshots instead of comparing")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.String("otel-endpoint", "", "OTLP collector endpoint for trace export")

	viper.BindPFlags(flags)
}

func runE(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		exitCode = 1
		return err
	}

	runID := uuid.NewString()
	ctx := logger.WithScope(cmd.Context(), logger.NewScope(runID))
	log := logger.FromContext(ctx, logger.New())

	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, runID, cfg.OTELEndpoint)
		if err != nil {
			exitCode = 1
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(shutdownCtx); err != nil {
				log.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	var metrics *observability.RunMetrics
	var metricsHandler http.Handler
	if cfg.MetricsAddr != "" {
		handler, shutdownMetrics, err := observability.InitMetrics(ctx, runID)
		if err != nil {
			exitCode = 1
			return fmt.Errorf("init metrics: %w", err)
		}
		metricsHandler = handler
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				log.Warn("metrics shutdown", "error", err)
			}
		}()
		metrics, err = observability.NewRunMetrics()
		if err != nil {
			exitCode = 1
			return fmt.Errorf("register run metrics: %w", err)
		}
	}

	plan, err := planner.New(cfg).Plan()
	if err != nil {
		exitCode = 1
		var forbid *planner.ForbidOnlyError
		if errors.As(err, &forbid) {
			fmt.Fprintln(os.Stderr, "=============================")
			fmt.Fprintln(os.Stderr, forbid.Error())
			fmt.Fprintln(os.Stderr, "=============================")
			return nil
		}
		return err
	}

	rep, err := report.Create(cfg.Reporters, cfg, cmd.OutOrStdout(), log)
	if err != nil {
		exitCode = 1
		return err
	}

	d := dispatch.New(cfg, plan, rep, log, metrics, runID)

	var result dispatch.Result
	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		result = d.Run(gctx)
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		exitCode = 1
		return err
	}

	switch {
	case result.Interrupted:
		exitCode = 130
	case !result.Passed:
		exitCode = 1
	default:
		exitCode = 0
	}
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
