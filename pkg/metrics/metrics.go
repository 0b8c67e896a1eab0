// Package metrics exposes Prometheus metrics for the AAA engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/coa"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/ratelimit"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Packet metrics
	packetsTotal   *prometheus.CounterVec
	packetsDropped *prometheus.CounterVec
	handleLatency  *prometheus.HistogramVec

	// Authentication metrics
	authDecisions *prometheus.CounterVec

	// Accounting metrics
	acctEvents     *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	staleInterims  prometheus.Counter

	// Quota / CoA metrics
	quotaDisconnects   prometheus.Counter
	disconnectOutcomes *prometheus.CounterVec

	// NAS cache metrics
	nasCacheHits    prometheus.Counter
	nasCacheMisses  prometheus.Counter
	nasCacheEntries prometheus.Gauge

	// Rate limiter metrics
	rateLimitDenied  prometheus.Counter
	rateLimitSources prometheus.Gauge

	// References for collection
	store   accounting.Store
	machine *accounting.Machine
	cache   *nas.Cache
	limiter *ratelimit.Limiter
	sender  *coa.Sender
	logger  *zap.Logger

	// Component stats are cumulative; collection converts them to counter
	// deltas against the previous snapshot.
	lastMachine accounting.Stats
	lastCache   nas.CacheStats
	lastLimiter ratelimit.Stats
	lastSender  coa.Stats
}

// New creates a new Metrics instance
func New(store accounting.Store, machine *accounting.Machine, cache *nas.Cache, limiter *ratelimit.Limiter, sender *coa.Sender, logger *zap.Logger) *Metrics {
	m := &Metrics{
		store:   store,
		machine: machine,
		cache:   cache,
		limiter: limiter,
		sender:  sender,
		logger:  logger,

		packetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_packets_total",
				Help: "Total RADIUS packets by code and result",
			},
			[]string{"code", "result"},
		),

		packetsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_packets_dropped_total",
				Help: "Total silently dropped packets by reason",
			},
			[]string{"reason"},
		),

		handleLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aaa_handle_latency_seconds",
				Help:    "Packet handling latency by port",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"port"},
		),

		authDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_auth_decisions_total",
				Help: "Total authentication decisions by result and reason",
			},
			[]string{"result", "reason"},
		),

		acctEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_acct_events_total",
				Help: "Total accounting events by status type",
			},
			[]string{"status"},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_sessions_active",
				Help: "Number of active accounting sessions",
			},
		),

		staleInterims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_acct_stale_interims_total",
				Help: "Total interim updates dropped as out of order",
			},
		),

		quotaDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_quota_disconnects_total",
				Help: "Total disconnect intents raised by quota breaches",
			},
		),

		disconnectOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_disconnect_outcomes_total",
				Help: "Total Disconnect-Request outcomes",
			},
			[]string{"outcome"},
		),

		nasCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_nas_cache_hits_total",
				Help: "Total NAS directory cache hits",
			},
		),

		nasCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_nas_cache_misses_total",
				Help: "Total NAS directory cache misses",
			},
		),

		nasCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_nas_cache_entries",
				Help: "Number of cached NAS records",
			},
		),

		rateLimitDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_ratelimit_denied_total",
				Help: "Total datagrams rejected by the ingress rate limiter",
			},
		),

		rateLimitSources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_ratelimit_sources",
				Help: "Number of source addresses with live token buckets",
			},
		),
	}

	return m
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		// Packet metrics
		m.packetsTotal,
		m.packetsDropped,
		m.handleLatency,
		// Authentication metrics
		m.authDecisions,
		// Accounting metrics
		m.acctEvents,
		m.sessionsActive,
		m.staleInterims,
		// Quota / CoA metrics
		m.quotaDisconnects,
		m.disconnectOutcomes,
		// NAS cache metrics
		m.nasCacheHits,
		m.nasCacheMisses,
		m.nasCacheEntries,
		// Rate limiter metrics
		m.rateLimitDenied,
		m.rateLimitSources,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordPacket records one handled packet and its outcome.
func (m *Metrics) RecordPacket(code, result string) {
	m.packetsTotal.WithLabelValues(code, result).Inc()
}

// RecordDrop records a silently dropped packet.
func (m *Metrics) RecordDrop(reason string) {
	m.packetsDropped.WithLabelValues(reason).Inc()
}

// ObserveHandleLatency records how long one packet took to handle.
func (m *Metrics) ObserveHandleLatency(port string, seconds float64) {
	m.handleLatency.WithLabelValues(port).Observe(seconds)
}

// RecordAuthDecision records an accept or reject with its reason.
func (m *Metrics) RecordAuthDecision(result, reason string) {
	m.authDecisions.WithLabelValues(result, reason).Inc()
}

// RecordAcctEvent records one accounting event by status type.
func (m *Metrics) RecordAcctEvent(status string) {
	m.acctEvents.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates gauges and counters from component stats
func (m *Metrics) Collect() {
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sessions, err := m.store.List(ctx)
		cancel()
		if err != nil {
			m.logger.Warn("Metrics session listing failed", zap.Error(err))
		} else {
			active := 0
			for _, s := range sessions {
				if s.Active {
					active++
				}
			}
			m.sessionsActive.Set(float64(active))
		}
	}

	if m.machine != nil {
		stats := m.machine.GetStats()
		m.updateMachineStats(&stats)
	}

	if m.cache != nil {
		stats := m.cache.Stats()
		m.updateCacheStats(&stats)
	}

	if m.limiter != nil {
		stats := m.limiter.GetStats()
		m.rateLimitSources.Set(float64(stats.Sources))
		if delta := stats.Denied - m.lastLimiter.Denied; delta > 0 {
			m.rateLimitDenied.Add(float64(delta))
		}
		m.lastLimiter = stats
	}

	if m.sender != nil {
		stats := m.sender.GetStats()
		m.updateSenderStats(&stats)
	}
}

func (m *Metrics) updateMachineStats(stats *accounting.Stats) {
	if delta := stats.StaleDropped - m.lastMachine.StaleDropped; delta > 0 {
		m.staleInterims.Add(float64(delta))
	}
	if delta := stats.QuotaDisconnects - m.lastMachine.QuotaDisconnects; delta > 0 {
		m.quotaDisconnects.Add(float64(delta))
	}
	m.lastMachine = *stats
}

func (m *Metrics) updateCacheStats(stats *nas.CacheStats) {
	m.nasCacheEntries.Set(float64(stats.Entries))
	if delta := stats.Hits - m.lastCache.Hits; delta > 0 {
		m.nasCacheHits.Add(float64(delta))
	}
	if delta := stats.Misses - m.lastCache.Misses; delta > 0 {
		m.nasCacheMisses.Add(float64(delta))
	}
	m.lastCache = *stats
}

func (m *Metrics) updateSenderStats(stats *coa.Stats) {
	if delta := stats.ACKed - m.lastSender.ACKed; delta > 0 {
		m.disconnectOutcomes.WithLabelValues("ack").Add(float64(delta))
	}
	if delta := stats.NAKed - m.lastSender.NAKed; delta > 0 {
		m.disconnectOutcomes.WithLabelValues("nak").Add(float64(delta))
	}
	if delta := stats.TimedOut - m.lastSender.TimedOut; delta > 0 {
		m.disconnectOutcomes.WithLabelValues("timeout").Add(float64(delta))
	}
	if delta := stats.Dropped - m.lastSender.Dropped; delta > 0 {
		m.disconnectOutcomes.WithLabelValues("dropped").Add(float64(delta))
	}
	m.lastSender = *stats
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
