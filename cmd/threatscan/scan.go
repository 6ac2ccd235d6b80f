package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/threatscan/scanner/internal/config"
	"github.com/threatscan/scanner/internal/esclient"
	"github.com/threatscan/scanner/internal/logging"
	"github.com/threatscan/scanner/internal/scanmetrics"
	"github.com/threatscan/scanner/internal/scanner"
)

var (
	metricsAddr    string
	reloadFilePath string
	logFormat      string
	logLevel       string

	metricsShutdownTimeout = 5 * time.Second
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the scan loop until interrupted",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	scanCmd.Flags().StringVar(&reloadFilePath, "reload-file", "", "optional file to watch for live interval/concurrency reloads")
	scanCmd.Flags().StringVar(&logFormat, "log-format", "auto", `log output format: "json", "console", or "auto"`)
	scanCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func runScan(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	logging.Init(logging.Config{Format: logFormat, Level: logLevel, Component: "threatscan"})
	logger := logging.For("scan")

	cfg := config.Load()
	if cfg.Verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	live := config.NewLive(cfg)
	if reloadFilePath != "" {
		w, err := config.Watch(reloadFilePath, live, logger)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	client, err := esclient.New(esclient.Config{
		Addresses: cfg.ESAddresses,
		APIKey:    cfg.ESAPIKey,
		Username:  cfg.ESUsername,
		Password:  cfg.ESPassword,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := scanmetrics.New(reg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMetricsServer(ctx, metricsAddr, reg)

	for {
		params := scanner.Params{
			ThreatIndex: cfg.ThreatIndex,
			EventsIndex: cfg.EventsIndex,
			Concurrency: live.Concurrency(),
			Interval:    live.Interval(),
			Verbose:     cfg.Verbose,
		}

		summary, err := scanner.Run(ctx, scanner.Deps{Client: client, Log: logger, Metrics: metrics}, params)
		if err != nil {
			logger.Error().Err(err).Msg("scan run failed")
		} else {
			logger.Info().
				Str("run_id", summary.RunID).
				Int("progress", summary.Progress).
				Int64("new_threats", summary.NewThreats).
				Bool("paused", summary.Paused).
				Dur("duration", summary.Duration).
				Msg("scan cycle complete")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interCycleDelay):
		}
	}
}

// interCycleDelay is a short fixed pause between scan cycles; the scan
// itself self-paces against the interval via its wall-clock budget.
const interCycleDelay = 5 * time.Second

func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("failed to shut down metrics server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped unexpectedly")
		}
	}()
}
