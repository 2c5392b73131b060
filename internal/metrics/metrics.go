// Package metrics exports agent counters and gauges for prometheus scraping.
// Nil *Metrics is valid and records nothing, tests and the bench console use that.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/irrigo/log2"
)

const namespace = "irrigo"

type Metrics struct {
	Registry *prometheus.Registry

	linkReady        prometheus.Gauge
	linkRequests     prometheus.Counter
	sessionConnected prometheus.Gauge
	sessionErrors    *prometheus.CounterVec
	publish          *prometheus.CounterVec
	commands         *prometheus.CounterVec
	relayOn          prometheus.Gauge
	relayTransitions prometheus.Counter
	sensorReads      *prometheus.CounterVec
	echoWidth        prometheus.Histogram
	cycles           prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		linkReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "link_ready",
			Help: "1 when network link is up with address.",
		}),
		linkRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "link_connect_requests_total",
			Help: "Link connect requests issued by supervisor.",
		}),
		sessionConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_connected",
			Help: "1 when MQTT session is connected.",
		}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_errors_total",
			Help: "Session errors by class (transport, protocol, other).",
		}, []string{"class"}),
		publish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_total",
			Help: "Publish attempts by result (ok, not_ready, error).",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Inbound command messages by result (accepted, ignored).",
		}, []string{"result"}),
		relayOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relay_on",
			Help: "Last applied relay output.",
		}),
		relayTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_transitions_total",
			Help: "Effective relay output changes.",
		}),
		sensorReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sensor_reads_total",
			Help: "Sensor reads by sensor and result (ok, invalid).",
		}, []string{"sensor", "result"}),
		echoWidth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ranging_echo_seconds",
			Help:    "Measured echo pulse width.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 11),
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "telemetry_cycles_total",
			Help: "Completed connected telemetry cycles.",
		}),
	}
	m.Registry.MustRegister(
		m.linkReady, m.linkRequests,
		m.sessionConnected, m.sessionErrors, m.publish,
		m.commands, m.relayOn, m.relayTransitions,
		m.sensorReads, m.echoWidth, m.cycles,
	)
	return m
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Metrics) LinkReady(ready bool) {
	if m != nil {
		m.linkReady.Set(boolFloat(ready))
	}
}

func (m *Metrics) LinkRequest() {
	if m != nil {
		m.linkRequests.Inc()
	}
}

func (m *Metrics) SessionConnected(connected bool) {
	if m != nil {
		m.sessionConnected.Set(boolFloat(connected))
	}
}

func (m *Metrics) SessionError(class string) {
	if m != nil {
		m.sessionErrors.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) Publish(result string) {
	if m != nil {
		m.publish.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Command(accepted bool) {
	if m == nil {
		return
	}
	result := "ignored"
	if accepted {
		result = "accepted"
	}
	m.commands.WithLabelValues(result).Inc()
}

func (m *Metrics) Relay(on bool) {
	if m != nil {
		m.relayOn.Set(boolFloat(on))
		m.relayTransitions.Inc()
	}
}

func (m *Metrics) SensorRead(sensor string, valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "ok"
	}
	m.sensorReads.WithLabelValues(sensor, result).Inc()
}

func (m *Metrics) EchoWidth(d time.Duration) {
	if m != nil {
		m.echoWidth.Observe(d.Seconds())
	}
}

func (m *Metrics) Cycle() {
	if m != nil {
		m.cycles.Inc()
	}
}

// Serve blocks answering /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, log *log2.Log, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()
	log.Infof("metrics listen=%s", addr)

	select {
	case err := <-errch:
		return errors.Annotatef(err, "metrics listen=%s", addr)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
