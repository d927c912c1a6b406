package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hikugen/internal/config"
	"hikugen/internal/logging"
	"hikugen/internal/observability"
)

var (
	// Global flags
	cfgPath     string
	verbose     bool
	metricsAddr string
	traceSpans  bool
	timeout     time.Duration

	// Loaded in PersistentPreRunE
	cfg *config.Config

	shutdownTracing observability.ShutdownFunc
	metricsServer   *http.Server
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hiku",
	Short: "hikugen - cached, self-correcting HTML extraction",
	Long: `hikugen turns a schema and a page into structured data.

An LLM writes a small Go extractor, the extractor is checked and run in a
sandboxed interpreter, and its output is validated against the schema. Failures
are fed back for regeneration. Working extractors are cached per page key and
schema so later runs skip the LLM entirely.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.Logging.ToLogging()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if traceSpans {
			shutdown, err := observability.SetupStdoutTracing(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			shutdownTracing = shutdown
		}

		addr := metricsAddr
		if addr == "" {
			addr = cfg.Metrics.Addr
		}
		if addr != "" {
			startMetrics(addr)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if shutdownTracing != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = shutdownTracing(ctx)
			cancel()
			shutdownTracing = nil
		}
		if metricsServer != nil {
			_ = metricsServer.Close()
			metricsServer = nil
		}
		logging.CloseAudit()
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "hikugen.yaml", "Config file (defaults apply when missing)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	rootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "Print OpenTelemetry spans to stderr")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall operation timeout")

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	srv := metricsServer
	go func() {
		logging.Get(logging.CategoryCLI).Info("serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get(logging.CategoryCLI).Error("metrics server: %v", err)
		}
	}()
}
