// Package metrics holds the Prometheus collectors shared by the access and
// bot detection components. Every method is safe on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all collectors
type Metrics struct {
	decisions   *prometheus.CounterVec
	ipSources   *prometheus.CounterVec
	geoLookups  *prometheus.CounterVec
	geoLatency  prometheus.Histogram
	botChecks   *prometheus.CounterVec
	autoBlocks  prometheus.Counter
	logWrites   *prometheus.CounterVec
	tokenIssued prometheus.Counter
}

// New registers the collectors on reg. A nil reg creates unregistered
// collectors, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aqm_security_access_decisions_total",
			Help: "Total number of access decisions by reason",
		}, []string{"reason", "allowed"}),
		ipSources: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aqm_security_client_ip_source_total",
			Help: "Total number of client IP resolutions by source",
		}, []string{"source"}),
		geoLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aqm_security_geo_lookups_total",
			Help: "Total number of geolocation lookups by outcome",
		}, []string{"outcome"}),
		geoLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aqm_security_geo_lookup_duration_seconds",
			Help:    "Duration of upstream geolocation lookups",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		botChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aqm_security_bot_check_failures_total",
			Help: "Total number of failed bot detection checks",
		}, []string{"check"}),
		autoBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "aqm_security_auto_blocks_total",
			Help: "Total number of IPs appended to the block list by bot detection",
		}),
		logWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aqm_security_visitor_log_writes_total",
			Help: "Total number of visitor log writes by result",
		}, []string{"result"}),
		tokenIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "aqm_security_form_tokens_issued_total",
			Help: "Total number of script tokens issued",
		}),
	}
}

func (m *Metrics) Decision(reason string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(reason, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) IPSource(source string) {
	if m == nil {
		return
	}
	m.ipSources.WithLabelValues(source).Inc()
}

// GeoLookup counts a lookup outcome: stub, cache, api, provider or error
func (m *Metrics) GeoLookup(outcome string) {
	if m == nil {
		return
	}
	m.geoLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveGeoLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.geoLatency.Observe(d.Seconds())
}

func (m *Metrics) BotCheckFailed(check string) {
	if m == nil {
		return
	}
	m.botChecks.WithLabelValues(check).Inc()
}

func (m *Metrics) AutoBlock() {
	if m == nil {
		return
	}
	m.autoBlocks.Inc()
}

// LogWrite counts a visitor log outcome: written, throttled or error
func (m *Metrics) LogWrite(result string) {
	if m == nil {
		return
	}
	m.logWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokenIssued.Inc()
}
