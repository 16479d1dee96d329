package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gigacrew"

var (
	registry = prometheus.NewRegistry()

	sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "negotiation",
		Name:      "sessions_active",
		Help:      "Negotiation sessions currently running.",
	}, []string{"role"})

	sessionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "negotiation",
		Name:      "sessions_total",
		Help:      "Finished negotiation sessions by terminal state.",
	}, []string{"role", "state"})

	settlementActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "actions_total",
		Help:      "Ledger actions attempted by the settlement cycles.",
	}, []string{"party", "action", "result"})

	cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one settlement sweep.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"cycle"})

	ledgerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "received_total",
		Help:      "Ledger events published onto the event queue.",
	}, []string{"event"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		sessionsActive,
		sessionOutcomes,
		settlementActions,
		cycleDuration,
		ledgerEvents,
		httpRequests,
		httpLatency,
	)
}

// SessionStarted tracks a new negotiation session.
func SessionStarted(role string) {
	sessionsActive.WithLabelValues(role).Inc()
}

// SessionFinished records the terminal state of a session.
func SessionFinished(role, state string) {
	sessionsActive.WithLabelValues(role).Dec()
	sessionOutcomes.WithLabelValues(role, state).Inc()
}

// ObserveSettlement counts one ledger action of a settlement cycle.
func ObserveSettlement(party, action, result string) {
	settlementActions.WithLabelValues(party, action, result).Inc()
}

// ObserveCycle records how long a settlement sweep took.
func ObserveCycle(cycle string, duration time.Duration) {
	cycleDuration.WithLabelValues(cycle).Observe(duration.Seconds())
}

// ObserveEvent counts a ledger event.
func ObserveEvent(event string) {
	ledgerEvents.WithLabelValues(event).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Gatherer exposes the registry, mainly for tests.
func Gatherer() prometheus.Gatherer {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
