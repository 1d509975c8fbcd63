// Package metrics owns the Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without it in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ethgasmeter"

type Metrics struct {
	reg *prometheus.Registry

	gasPriceGwei  prometheus.Gauge
	ethUSD        prometheus.Gauge
	gasPriceUSD   prometheus.Gauge
	fetchTotal    *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	lastSuccessTS prometheus.Gauge

	transitions   *prometheus.CounterVec
	conflicts     prometheus.Counter
	notifications *prometheus.CounterVec
	passDuration  prometheus.Histogram

	commands *prometheus.CounterVec
}

// New builds collectors on a private registry together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.gasPriceGwei = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gas_price_gwei",
		Help:      "Latest proposed gas price in gwei",
	})
	m.ethUSD = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "eth_usd",
		Help:      "Latest ETH spot price in USD",
	})
	m.gasPriceUSD = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gas_price_usd",
		Help:      "Latest gas price converted to USD",
	})
	m.fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_total",
		Help:      "Price fetch cycles by status",
	}, []string{"status"})
	m.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Time spent fetching prices from the API",
		Buckets:   prometheus.DefBuckets,
	})
	m.lastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful fetch",
	})
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "threshold_transitions_total",
		Help:      "Users crossing their threshold by direction",
	}, []string{"direction"})
	m.conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "threshold_conflicts_total",
		Help:      "Notifier writes skipped because a newer row version exists",
	})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Threshold notifications by outcome",
	}, []string{"status"})
	m.passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "threshold_pass_duration_seconds",
		Help:      "Time spent in one threshold evaluation pass",
		Buckets:   prometheus.DefBuckets,
	})
	m.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Handled chat commands",
	}, []string{"command"})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.gasPriceGwei, m.ethUSD, m.gasPriceUSD,
		m.fetchTotal, m.fetchDuration, m.lastSuccessTS,
		m.transitions, m.conflicts, m.notifications, m.passDuration,
		m.commands,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) FetchSucceeded(gasPrice, ethUSD int64, usd float64, took time.Duration) {
	if m == nil {
		return
	}
	m.gasPriceGwei.Set(float64(gasPrice))
	m.ethUSD.Set(float64(ethUSD))
	m.gasPriceUSD.Set(usd)
	m.fetchTotal.WithLabelValues("ok").Inc()
	m.fetchDuration.Observe(took.Seconds())
	m.lastSuccessTS.Set(float64(time.Now().Unix()))
}

func (m *Metrics) FetchFailed(took time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues("error").Inc()
	m.fetchDuration.Observe(took.Seconds())
}

func (m *Metrics) ThresholdPass(entering, exiting, conflicts int, took time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("entering").Add(float64(entering))
	m.transitions.WithLabelValues("exiting").Add(float64(exiting))
	m.conflicts.Add(float64(conflicts))
	m.passDuration.Observe(took.Seconds())
}

// Notification counts one delivery outcome: "sent", "failed" or "dropped".
func (m *Metrics) Notification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}
