package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/curation_outbox/internal/config"
	"github.com/austindbirch/curation_outbox/internal/logging"
	"github.com/austindbirch/curation_outbox/internal/notify"
	"github.com/austindbirch/curation_outbox/internal/tracing"
)

// monitor turns status notifications from outbox daemons into gauges
type monitor struct {
	pending   prometheus.Gauge
	oldestAge prometheus.Gauge
	syncing   prometheus.Gauge
	failing   prometheus.Gauge
	received  *prometheus.CounterVec
	invalid   *prometheus.CounterVec

	logger *logging.Logger
	now    func() time.Time
}

func newMonitor(reg prometheus.Registerer, logger *logging.Logger) *monitor {
	m := &monitor{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curation_monitor_outbox_pending",
			Help: "Pending events reported by the last status notification",
		}),
		oldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curation_monitor_oldest_event_age_seconds",
			Help: "Age of the oldest pending event when the last status was received",
		}),
		syncing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curation_monitor_syncing",
			Help: "1 while a delivery was in flight at the last status",
		}),
		failing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curation_monitor_failing",
			Help: "1 while the last status carried a delivery error",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curation_monitor_status_received_total",
			Help: "Status notifications received by source",
		}, []string{"source"}),
		invalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curation_monitor_status_invalid_total",
			Help: "Status notifications that could not be decoded, by source",
		}, []string{"source"}),
		logger: logger,
		now:    time.Now,
	}
	reg.MustRegister(m.pending, m.oldestAge, m.syncing, m.failing, m.received, m.invalid)
	return m
}

// observe decodes one status body and updates the gauges
func (m *monitor) observe(source string, body []byte) error {
	var st notify.Status
	if err := json.Unmarshal(body, &st); err != nil {
		m.invalid.WithLabelValues(source).Inc()
		return fmt.Errorf("decode status: %w", err)
	}
	m.received.WithLabelValues(source).Inc()

	m.pending.Set(float64(st.Pending))
	age := 0.0
	if st.Pending > 0 && st.Oldest > 0 {
		age = m.now().Sub(time.UnixMilli(st.Oldest)).Seconds()
	}
	m.oldestAge.Set(age)
	m.syncing.Set(boolGauge(st.Syncing))
	m.failing.Set(boolGauge(st.LastError != ""))

	ctx := tracing.ExtractMap(context.Background(), st.Trace)
	entry := m.logger.WithContext(ctx).WithCuration(st.CurationID).WithFields(map[string]any{
		"source":  source,
		"pending": st.Pending,
	})
	if st.LastError != "" {
		entry.WithField("last_error", st.LastError).Warn("outbox reports delivery failure")
		return nil
	}
	entry.Debug("status received")
	return nil
}

// HandleMessage implements nsq.Handler. Undecodable bodies are finished, not requeued.
func (m *monitor) HandleMessage(msg *nsq.Message) error {
	if err := m.observe("nsq", msg.Body); err != nil {
		m.logger.Plain().WithError(err).Error("bad status payload")
	}
	return nil
}

// handleNATS is the NATS subscription callback
func (m *monitor) handleNATS(msg *nats.Msg) {
	if err := m.observe("nats", msg.Data); err != nil {
		m.logger.Plain().WithError(err).Error("bad status payload")
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("curation-status-monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := prometheus.NewRegistry()
	m := newMonitor(reg, logger)

	if cfg.Notify.NsqdTCPAddr == "" && cfg.Notify.NATSURL == "" {
		logger.Plain().Fatal("neither NOTIFY_NSQD_TCP_ADDR nor NOTIFY_NATS_URL is set")
	}

	if cfg.Notify.NsqdTCPAddr != "" {
		consumer, err := nsq.NewConsumer(cfg.Notify.NSQTopic, cfg.Monitor.NSQChannel, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		consumer.SetLoggerLevel(nsq.LogLevelWarning)
		consumer.AddHandler(m)
		if err := consumer.ConnectToNSQD(cfg.Notify.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsqd failed")
		}
		defer func() {
			consumer.Stop()
			<-consumer.StopChan
		}()
	}

	if cfg.Notify.NATSURL != "" {
		nc, err := nats.Connect(cfg.Notify.NATSURL, nats.Name("curation-status-monitor"), nats.MaxReconnects(-1))
		if err != nil {
			logger.Plain().WithError(err).Fatal("failed to connect to NATS")
		}
		if _, err := nc.Subscribe(cfg.Notify.NATSSubject, m.handleNATS); err != nil {
			logger.Plain().WithError(err).Fatal("nats subscribe failed")
		}
		defer nc.Drain()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.Monitor.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":    srv.Addr,
			"topic":   cfg.Notify.NSQTopic,
			"subject": cfg.Notify.NATSSubject,
		}).Info("status monitor starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("status monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("Shutting down status monitor")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
