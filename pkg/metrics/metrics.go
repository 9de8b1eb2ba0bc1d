// Package metrics exposes dispatch counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadlane"

// Command delivery paths.
const (
	PathLive   = "live"
	PathStore  = "store"
	PathFailed = "failed"
)

var (
	registry = prometheus.NewRegistry()

	inboundCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Count of inbound messages accepted for dispatch, by routing mode.",
		},
		[]string{"mode"},
	)
	handlerCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_runs_total",
			Help:      "Count of handler invocations, by result.",
		},
		[]string{"result"},
	)
	commandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_applied_total",
			Help:      "Count of outgoing commands processed, by kind and delivery path.",
		},
		[]string{"kind", "path"},
	)
	inflightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handlers_in_flight",
			Help:      "Number of message handlers currently executing.",
		},
	)
	crashCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crashes_total",
			Help:      "Count of latched handler crashes.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		registry.MustRegister(inboundCounter)
		registry.MustRegister(handlerCounter)
		registry.MustRegister(commandCounter)
		registry.MustRegister(inflightGauge)
		registry.MustRegister(crashCounter)
		registry.MustRegister(collectors.NewGoCollector())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordInbound counts one accepted inbound message.
func RecordInbound(mode string) {
	inboundCounter.WithLabelValues(mode).Inc()
}

// RecordHandler counts one finished handler run.
func RecordHandler(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	handlerCounter.WithLabelValues(result).Inc()
}

// RecordCommand counts one processed outgoing command.
func RecordCommand(kind, path string) {
	commandCounter.WithLabelValues(kind, path).Inc()
}

func IncInFlight() { inflightGauge.Inc() }
func DecInFlight() { inflightGauge.Dec() }

// RecordCrash counts one latched crash.
func RecordCrash() {
	crashCounter.Inc()
}
