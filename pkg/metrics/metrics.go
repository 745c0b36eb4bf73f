// Package metrics exports relay and command counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toolkit/desktopserver/pkg/dispatch"
	"toolkit/desktopserver/pkg/status"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer implements relay.Observer and dispatch.Observer.
type Observer struct {
	connGauge      prometheus.Gauge
	closeTotal     *prometheus.CounterVec
	rejectedTotal  prometheus.Counter
	handshakeTotal *prometheus.CounterVec
	commandTotal   *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
}

// NewObserver registers the metrics on reg. The current status code is
// exported as a gauge read from state at scrape time.
func NewObserver(reg *prometheus.Registry, state *status.State) *Observer {
	o := &Observer{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "desktopserver_connections",
			Help: "Open browser connections.",
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desktopserver_connection_close_total",
			Help: "Closed browser connections by resulting status.",
		}, []string{"status"}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "desktopserver_origin_rejected_total",
			Help: "Upgrade requests refused by the origin whitelist.",
		}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desktopserver_tls_handshake_failures_total",
			Help: "Failed TLS handshakes by resulting status.",
		}, []string{"status"}),
		commandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desktopserver_commands_total",
			Help: "Finished requests by command and result.",
		}, []string{"command", "result"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "desktopserver_command_duration_seconds",
			Help:    "Time from dispatch to response.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.closeTotal,
		o.rejectedTotal,
		o.handshakeTotal,
		o.commandTotal,
		o.commandLatency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "desktopserver_status_code",
			Help: "Last diagnostic status code (202, 401, 499, 1000; 0 before any connection).",
		}, func() float64 { return float64(state.Get()) }),
	)
	return o
}

func (o *Observer) ConnectionOpened() { o.connGauge.Inc() }

func (o *Observer) ConnectionClosed(code status.Code) {
	o.connGauge.Dec()
	o.closeTotal.WithLabelValues(code.String()).Inc()
}

func (o *Observer) OriginRejected() { o.rejectedTotal.Inc() }

func (o *Observer) HandshakeFailed(code status.Code) {
	o.handshakeTotal.WithLabelValues(code.String()).Inc()
}

// CommandFinished records one request. Unknown names are folded into one
// label value so clients cannot grow the series set.
func (o *Observer) CommandFinished(name string, result dispatch.Result, elapsed time.Duration) {
	if result == dispatch.ResultUnknownCommand || result == dispatch.ResultVersionMismatch {
		name = "-"
	}
	o.commandTotal.WithLabelValues(name, string(result)).Inc()
	o.commandLatency.WithLabelValues(name).Observe(elapsed.Seconds())
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("[METRICS] listening on http://%s/metrics", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
