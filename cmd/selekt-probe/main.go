// Command selekt-probe exercises a DataSource against every source
// configured in a libconfig YAML file and serves its metrics over HTTP,
// as a small demonstration/smoke-test harness for the pool layer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kennethshackleton/selekt-go/internal/datasource"
	"github.com/kennethshackleton/selekt-go/internal/libconfig"
	"github.com/kennethshackleton/selekt-go/internal/metrics"
)

var (
	configPath  string
	metricsAddr string
	probeEvery  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "selekt-probe",
	Short: "Run a small SQLite pool workload against a libconfig manifest",
	Long: `selekt-probe loads a libconfig YAML manifest describing one or more
SQLite data sources, opens a pooled connection to each on a timer,
runs a trivial read-only "SELECT 1" through it, and serves the pool and
statement-cache metrics on /metrics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "configs/selekt-probe.yaml", "path to the libconfig YAML manifest")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve /metrics on")
	rootCmd.Flags().DurationVar(&probeEvery, "probe-interval", 5*time.Second, "how often to run the workload and refresh pool-stats gauges")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "selekt-probe:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	slog.Info("selekt-probe starting", "config", configPath)

	cfg, err := libconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("configuration loaded", "sources", len(cfg.Sources))

	coll := metrics.New()
	ds := datasource.New()
	ds.SetMetrics(coll)

	watcher, err := libconfig.NewWatcher(configPath, func(newCfg *libconfig.Config) {
		slog.Info("reloading configuration", "sources", len(newCfg.Sources))
		cfg = newCfg
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(coll.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("metrics server listening", "addr", metricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(probeEvery)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runWorkload(ctx, ds, coll, cfg)
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig.String())
			if watcher != nil {
				watcher.Stop()
			}
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown error", "error", err)
			}
			if err := ds.Close(); err != nil {
				slog.Warn("datasource close error", "error", err)
			}
			slog.Info("selekt-probe stopped")
			return nil
		}
	}
}

// runWorkload opens (or reuses) a connection to every configured
// source, runs a trivial statement through it, and refreshes the pool
// and cache-size gauges.
func runWorkload(ctx context.Context, ds *datasource.DataSource, coll *metrics.Collector, cfg *libconfig.Config) {
	for name, src := range cfg.Sources {
		props := src.ToDataSourceProperties(cfg.Defaults)
		handle, err := ds.GetConnection(ctx, src.URL, props, false)
		if err != nil {
			slog.Warn("probe: GetConnection failed", "source", name, "error", err)
			continue
		}

		stmt, err := handle.Conn.ExecuteOrPrepare(ctx, "SELECT 1", nil, nil)
		if err != nil {
			slog.Warn("probe: workload query failed", "source", name, "error", err)
		} else {
			handle.Conn.BeginCursor()
			if _, err := handle.Conn.Step(ctx, stmt); err != nil {
				slog.Warn("probe: workload step failed", "source", name, "error", err)
			}
			handle.Conn.ResetCursor()
		}

		if err := handle.Release(); err != nil {
			slog.Warn("probe: release failed", "source", name, "error", err)
		}
	}

	databases := ds.Databases()
	coll.SetDataSourceCacheSize(len(databases))
	for _, db := range databases {
		active, idle, total := db.Stats()
		coll.UpdatePoolStats(db.CacheKey(), active, idle, total, 0)
	}
}
