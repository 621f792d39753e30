// Package metrics holds the server's prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cowatch"

type Metrics struct {
	reg *prometheus.Registry

	connections       prometheus.Gauge
	messages          *prometheus.CounterVec
	messageErrors     *prometheus.CounterVec
	droppedCommands   *prometheus.CounterVec
	sendBufferOverrun prometheus.Counter
}

// New creates the collectors. sessions reports the number of live sessions at
// scrape time.
func New(sessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Live session count",
	}, func() float64 {
		return float64(sessions())
	})

	return &Metrics{
		reg: reg,
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound websocket messages by type",
		}, []string{"type"}),
		messageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Inbound websocket messages answered with an error, by error code",
		}, []string{"code"}),
		droppedCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_dropped_total",
			Help:      "Host-only messages from non-hosts dropped without reply",
		}, []string{"type"}),
		sendBufferOverrun: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_buffer_overruns_total",
			Help:      "Connections closed because their outbound queue was full",
		}),
	}
}

func (m *Metrics) ConnOpened() {
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	m.connections.Dec()
}

func (m *Metrics) MessageReceived(messageType string) {
	m.messages.WithLabelValues(messageType).Inc()
}

func (m *Metrics) MessageFailed(code string) {
	m.messageErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) UnauthorizedDropped(messageType string) {
	m.droppedCommands.WithLabelValues(messageType).Inc()
}

func (m *Metrics) SendBufferOverrun() {
	m.sendBufferOverrun.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		m.reg, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}),
	)
}
