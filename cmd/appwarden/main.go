// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command appwarden runs the on-device traffic monitor: the capture and
// attribution pipeline, the aggregation store, the periodic risk scoring
// engine and the alert coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/appwarden/internal/alerts"
	"grimm.is/appwarden/internal/capture"
	"grimm.is/appwarden/internal/config"
	"grimm.is/appwarden/internal/logging"
	"grimm.is/appwarden/internal/metrics"
	"grimm.is/appwarden/internal/notification"
	"grimm.is/appwarden/internal/risk"
	"grimm.is/appwarden/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	simulate := flag.Bool("simulate", false, "Run with synthetic traffic instead of live capture")
	flag.Parse()

	if err := run(*configPath, *simulate); err != nil {
		fmt.Fprintf(os.Stderr, "appwarden: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, simulate bool) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: logging.Level(cfg.Logging.Level)})
	logging.SetDefault(logger)
	log := logger.Component("main")

	m := metrics.New()

	st, err := store.Open(cfg.Store.Path, logger.Component("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	src, index, err := buildSource(cfg, simulate, logger)
	if err != nil {
		return err
	}

	pipeline := capture.New(src, index, st, m, logger, capture.Config{
		QueueCapacity:   cfg.Capture.QueueCapacity,
		DrainBatchSize:  cfg.Capture.DrainBatchSize,
		DNSMaxValidity:  cfg.Capture.DNSMaxValidity,
		FlushGrace:      cfg.Capture.FlushGrace,
		RetryBackoffMin: cfg.Capture.RetryBackoffMin,
		RetryBackoffMax: cfg.Capture.RetryBackoffMax,
		BucketWidth:     cfg.Scoring.BucketWidth,
	})
	engine := risk.NewEngine(st, cfg.Scoring, cfg.Alerts.DedupCooldown, logger, m)
	coordinator := alerts.New(st, cfg.Alerts.DedupCooldown, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error {
		engine.Run(ctx)
		return nil
	})
	g.Go(func() error { return sweepLoop(ctx, st, cfg.Retention, m, logger) })
	g.Go(func() error { return watchUnread(ctx, coordinator, log) })
	if cfg.Notifications.Enabled {
		dispatcher := notification.NewDispatcher(cfg.Notifications, logger.Component("notification"))
		g.Go(func() error { return dispatcher.Watch(ctx, st) })
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Listen, m, log) })
	}

	log.Info("appwarden started",
		"db", cfg.Store.Path, "simulate", simulate, "cadence", cfg.Scoring.Cadence)

	err = g.Wait()
	if err == context.Canceled {
		err = nil
	}
	log.Info("appwarden stopped")
	return err
}

// buildSource picks the capture source: live pcap on the configured
// interface, or the traffic simulator with a fixed uid table.
func buildSource(cfg *config.Config, simulate bool, logger *logging.Logger) (capture.Source, capture.PackageIndex, error) {
	if simulate {
		src := capture.NewSimSource([]capture.SimProfile{
			{UID: 10101, Domains: []string{"cdn.example.com", "api.example.com"}, Ports: []int{443}},
			{UID: 10102, Domains: []string{"tracker.example.net"}, Ports: []int{443, 4444}},
		}, 2*time.Second)
		index := capture.StaticIndex{
			10101: {Package: "com.example.mail", Name: "Mail"},
			10102: {Package: "com.example.game", Name: "Game"},
		}
		return src, index, nil
	}

	src, err := capture.OpenPcap(capture.PcapConfig{
		Interface:      cfg.Capture.Interface,
		UDPIdleTimeout: cfg.Capture.UDPIdleTimeout,
		TCPIdleTimeout: cfg.Capture.TCPIdleTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return src, capture.NewProcIndex(time.Second, logger), nil
}

// sweepLoop drops time-series rows older than the retention horizon.
// Entities and alerts are never swept.
func sweepLoop(ctx context.Context, st *store.Store, cfg config.RetentionConfig, m *metrics.Metrics, logger *logging.Logger) error {
	log := logger.Component("retention")
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n, err := st.Sweep(now.Add(-cfg.Horizon))
			if err != nil {
				log.WithError(err).Warn("retention sweep failed")
				continue
			}
			if n > 0 {
				m.RowsSwept.Add(float64(n))
				log.Debug("retention sweep", "rows", n)
			}
		}
	}
}

// watchUnread follows the reactive unread-count view and logs changes, the
// same stream a notification surface would consume.
func watchUnread(ctx context.Context, c *alerts.Coordinator, log *logging.Logger) error {
	count, sub, err := c.WatchUnread()
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if n := v.(int64); n != count {
				count = n
				log.Info("unread alerts", "count", count)
			}
		}
	}
}

func serveMetrics(ctx context.Context, listen string, m *metrics.Metrics, log *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics exporter listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
