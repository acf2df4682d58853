package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/curation_outbox/internal/api"
	"github.com/austindbirch/curation_outbox/internal/auth"
	"github.com/austindbirch/curation_outbox/internal/config"
	"github.com/austindbirch/curation_outbox/internal/delivery"
	"github.com/austindbirch/curation_outbox/internal/health"
	"github.com/austindbirch/curation_outbox/internal/logging"
	"github.com/austindbirch/curation_outbox/internal/metrics"
	"github.com/austindbirch/curation_outbox/internal/notify"
	"github.com/austindbirch/curation_outbox/internal/outbox"
	"github.com/austindbirch/curation_outbox/internal/remote"
	"github.com/austindbirch/curation_outbox/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(cfg.AppName)
	logger := logging.New(cfg.AppName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	store, err := outbox.Open(ctx, cfg.StoreOptions())
	if err != nil {
		logger.Plain().WithError(err).WithField("backend", cfg.Outbox.Backend).Fatal("open outbox failed")
	}
	defer store.Close()

	hub := notify.NewHub(logger)
	notifier, err := buildNotifier(cfg, hub, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("status notifier setup failed")
	}
	defer notifier.Close()

	worker := delivery.NewWorker(store,
		remote.New(cfg.Sync.BaseURL, cfg.Sync.RequestTimeout),
		auth.DefaultSource(cfg.Auth.Token, cfg.Auth.TokenFile),
		delivery.Options{
			SendInterval: cfg.Sync.SendInterval,
			PollInterval: cfg.Sync.PollInterval,
			Notifier:     notifier,
			Logger:       logging.New(cfg.AppName + "-sync"),
		})

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	apiSrv := &http.Server{
		Addr: cfg.HTTPPort,
		Handler: api.NewServer(worker, store,
			api.WithStream(hub),
			api.WithOrigins(cfg.CORSOrigins...),
			api.WithLogger(logging.New(cfg.AppName+"-api")),
		).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := newMetricsServer(cfg.MetricsPort, reg, store)

	if err := run(ctx, logger, cfg.Sync.Enabled, worker, apiSrv, metricsSrv); err != nil {
		logger.Plain().WithError(err).Fatal("curation outbox stopped with error")
	}
	logger.Plain().Info("curation outbox stopped")
}

// run serves both HTTP servers and, if enabled, the sync loop until ctx ends
func run(ctx context.Context, logger *logging.Logger, syncEnabled bool, worker *delivery.Worker, servers ...*http.Server) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			logger.Plain().WithField("addr", srv.Addr).Info("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if syncEnabled {
		g.Go(func() error { return worker.Run(ctx) })
	} else {
		logger.Plain().Warn("sync disabled, events stay in the outbox")
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Plain().Info("Shutting down curation outbox")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// buildNotifier fans status changes out to the websocket hub and any configured brokers
func buildNotifier(cfg config.Config, hub *notify.Hub, logger *logging.Logger) (notify.Notifier, error) {
	sinks := []notify.Sink{{Name: "websocket", Notifier: hub}}

	if cfg.Notify.NsqdTCPAddr != "" {
		p, err := notify.NewNSQPublisher(cfg.Notify.NsqdTCPAddr, cfg.Notify.NSQTopic)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, notify.Sink{Name: "nsq", Notifier: p})
	}
	if cfg.Notify.NATSURL != "" {
		p, err := notify.NewNATSPublisher(cfg.Notify.NATSURL, cfg.Notify.NATSSubject)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, notify.Sink{Name: "nats", Notifier: p})
	}

	return notify.NewMulti(logger, sinks...), nil
}

func closeSinks(sinks []notify.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

func newMetricsServer(addr string, reg *prometheus.Registry, store health.Pinger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(store))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
