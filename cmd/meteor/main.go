package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/metrics"
	"github.com/oriys/meteor/internal/observability"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "meteor",
		Short:        "Meteor - map jobs over serverless workers",
		Long:         "Runs batches of independent calls on compute backends under admission control and collects their results",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		runCmd(),
		statusCmd(),
		agentCmd(),
		backendsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then sets up logging,
// tracing and metrics. The returned func flushes telemetry.
func loadConfig(ctx context.Context, role string) (*config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Observability.Logging.Level = logLevel
	}
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	tc := cfg.Observability.Tracing
	if err := observability.Init(ctx, observability.Config{
		Enabled:     tc.Enabled,
		Exporter:    tc.Exporter,
		Endpoint:    tc.Endpoint,
		ServiceName: tc.ServiceName,
		SampleRate:  tc.SampleRate,
		Role:        role,
	}); err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}
	metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(sctx); err != nil {
			logging.Op().Warn("tracing shutdown failed", "error", err)
		}
	}
	return cfg, shutdown, nil
}

// serveMetrics exposes Prometheus and JSON metrics on addr in the
// background. An empty addr disables it.
func serveMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/metrics.json", metrics.Global().JSONHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logging.Op().Info("metrics server started", "addr", addr)
	return srv
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
