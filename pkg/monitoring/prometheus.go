// Package monitoring exposes the connectivity core's Prometheus metrics:
// STUN transaction outcomes, TURN relay usage, and RUDP channel health,
// the same registry/exposition idiom the rest of this corpus uses.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds every metric the connectivity core emits.
type PrometheusMetrics struct {
	// STUN
	STUNRequestsTotal   *prometheus.CounterVec
	STUNRetransmits     prometheus.Counter
	STUNTimeouts        prometheus.Counter
	STUNRoundTrip       prometheus.Histogram

	// TURN
	TURNAllocations     *prometheus.CounterVec
	TURNRefreshFailures prometheus.Counter
	TURNPermissions     prometheus.Gauge
	TURNChannelBinds    prometheus.Gauge
	TURNRelayedBytes    *prometheus.CounterVec

	// RUDP
	RUDPPacketsSent        prometheus.Counter
	RUDPPacketsRetransmitted prometheus.Counter
	RUDPBytesDelivered     prometheus.Counter
	RUDPRTT                prometheus.Histogram
	RUDPCwnd               prometheus.Gauge
	RUDPChannelsOpen       prometheus.Gauge

	// Discovery
	DiscoveryAttempts *prometheus.CounterVec
}

// NewPrometheusMetrics constructs and registers every metric against the
// default registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		STUNRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "p2pconnect_stun_requests_total", Help: "STUN requests by method and outcome."},
			[]string{"method", "outcome"},
		),
		STUNRetransmits: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "p2pconnect_stun_retransmits_total", Help: "STUN request retransmissions."},
		),
		STUNTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "p2pconnect_stun_timeouts_total", Help: "STUN requests exhausting their retry pattern."},
		),
		STUNRoundTrip: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "p2pconnect_stun_round_trip_seconds", Help: "STUN request round-trip time.", Buckets: prometheus.DefBuckets},
		),
		TURNAllocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "p2pconnect_turn_allocations_total", Help: "TURN allocate attempts by outcome."},
			[]string{"outcome"},
		),
		TURNRefreshFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "p2pconnect_turn_refresh_failures_total", Help: "TURN refresh timeouts."},
		),
		TURNPermissions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "p2pconnect_turn_permissions", Help: "Active TURN permissions."},
		),
		TURNChannelBinds: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "p2pconnect_turn_channel_binds", Help: "Active TURN channel bindings."},
		),
		TURNRelayedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "p2pconnect_turn_relayed_bytes_total", Help: "Bytes sent through the TURN relay."},
			[]string{"direction"},
		),
		RUDPPacketsSent: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "p2pconnect_rudp_packets_sent_total", Help: "RUDP data packets sent, including retransmissions."},
		),
		RUDPPacketsRetransmitted: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "p2pconnect_rudp_packets_retransmitted_total", Help: "RUDP packets retransmitted after RTO or fast retransmit."},
		),
		RUDPBytesDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "p2pconnect_rudp_bytes_delivered_total", Help: "Payload bytes delivered to the application, in order."},
		),
		RUDPRTT: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "p2pconnect_rudp_rtt_seconds", Help: "RUDP sampled round-trip time.", Buckets: prometheus.DefBuckets},
		),
		RUDPCwnd: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "p2pconnect_rudp_cwnd", Help: "Current congestion window of the channel that reported last."},
		),
		RUDPChannelsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "p2pconnect_rudp_channels_open", Help: "RUDP channels currently in StateConnected."},
		),
		DiscoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "p2pconnect_discovery_attempts_total", Help: "Server-reflexive discovery attempts by outcome."},
			[]string{"outcome"},
		),
	}

	prometheus.MustRegister(
		m.STUNRequestsTotal, m.STUNRetransmits, m.STUNTimeouts, m.STUNRoundTrip,
		m.TURNAllocations, m.TURNRefreshFailures, m.TURNPermissions, m.TURNChannelBinds, m.TURNRelayedBytes,
		m.RUDPPacketsSent, m.RUDPPacketsRetransmitted, m.RUDPBytesDelivered, m.RUDPRTT, m.RUDPCwnd, m.RUDPChannelsOpen,
		m.DiscoveryAttempts,
	)
	return m
}

// Every method on PrometheusMetrics is nil-safe: components hold a
// *PrometheusMetrics field that is nil unless a caller has wired one in
// (see SetMetrics on turn.Client, stun.Manager, rudp.Channel/Listener,
// discovery.Discoverer), so call sites never have to branch on whether
// metrics collection is enabled.

// RecordSTUNOutcome increments the request counter and, for a terminal
// accept/reject, the matching round-trip histogram sample.
func (m *PrometheusMetrics) RecordSTUNOutcome(method, outcome string, rtt time.Duration) {
	if m == nil {
		return
	}
	m.STUNRequestsTotal.WithLabelValues(method, outcome).Inc()
	if rtt > 0 {
		m.STUNRoundTrip.Observe(rtt.Seconds())
	}
}

// RecordSTUNRetransmit increments the retransmission counter, once per
// attempt beyond a requester's first.
func (m *PrometheusMetrics) RecordSTUNRetransmit() {
	if m == nil {
		return
	}
	m.STUNRetransmits.Inc()
}

// RecordSTUNTimeout increments the counter of requesters whose pattern was
// exhausted without an accepted response.
func (m *PrometheusMetrics) RecordSTUNTimeout() {
	if m == nil {
		return
	}
	m.STUNTimeouts.Inc()
}

// RecordTURNAllocation records an Allocate attempt's outcome.
func (m *PrometheusMetrics) RecordTURNAllocation(outcome string) {
	if m == nil {
		return
	}
	m.TURNAllocations.WithLabelValues(outcome).Inc()
}

// RecordTURNRefreshFailure increments the Refresh-timeout counter.
func (m *PrometheusMetrics) RecordTURNRefreshFailure() {
	if m == nil {
		return
	}
	m.TURNRefreshFailures.Inc()
}

// SetTURNPermissions records the current number of active permissions.
func (m *PrometheusMetrics) SetTURNPermissions(n int) {
	if m == nil {
		return
	}
	m.TURNPermissions.Set(float64(n))
}

// SetTURNChannelBinds records the current number of active channel
// bindings.
func (m *PrometheusMetrics) SetTURNChannelBinds(n int) {
	if m == nil {
		return
	}
	m.TURNChannelBinds.Set(float64(n))
}

// RecordRelayedBytes records payload bytes crossing the relay in direction
// "to-peer" or "from-peer".
func (m *PrometheusMetrics) RecordRelayedBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.TURNRelayedBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordRUDPPacketSent increments the RUDP packets-sent counter.
func (m *PrometheusMetrics) RecordRUDPPacketSent() {
	if m == nil {
		return
	}
	m.RUDPPacketsSent.Inc()
}

// RecordRUDPPacketRetransmitted increments the RUDP retransmit counter.
func (m *PrometheusMetrics) RecordRUDPPacketRetransmitted() {
	if m == nil {
		return
	}
	m.RUDPPacketsRetransmitted.Inc()
}

// RecordRUDPBytesDelivered adds n to the bytes-delivered-to-application
// counter.
func (m *PrometheusMetrics) RecordRUDPBytesDelivered(n int) {
	if m == nil {
		return
	}
	m.RUDPBytesDelivered.Add(float64(n))
}

// RecordRUDPRTT observes one sampled round-trip time.
func (m *PrometheusMetrics) RecordRUDPRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.RUDPRTT.Observe(rtt.Seconds())
}

// SetRUDPCwnd records a channel's current congestion window. Every channel
// sets the same gauge with its own value, so with several channels open
// the gauge holds the last value written, not a sum.
func (m *PrometheusMetrics) SetRUDPCwnd(n int) {
	if m == nil {
		return
	}
	m.RUDPCwnd.Set(float64(n))
}

// AddRUDPChannelsOpen adjusts the open-channel gauge by delta (+1 on
// connect, -1 on shutdown).
func (m *PrometheusMetrics) AddRUDPChannelsOpen(delta int) {
	if m == nil {
		return
	}
	m.RUDPChannelsOpen.Add(float64(delta))
}

// RecordDiscoveryAttempt records one server-reflexive discovery attempt's
// outcome ("accepted", "rejected" or "timed_out").
func (m *PrometheusMetrics) RecordDiscoveryAttempt(outcome string) {
	if m == nil {
		return
	}
	m.DiscoveryAttempts.WithLabelValues(outcome).Inc()
}

// MetricsServer exposes PrometheusMetrics over HTTP for a scraper.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer builds (but does not start) an HTTP server exposing
// path on addr via promhttp, plus a liveness endpoint at /health.
func NewMetricsServer(addr, path string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &MetricsServer{server: &http.Server{Addr: addr, Handler: mux}}
}

// Start blocks serving until the server is shut down.
func (ms *MetricsServer) Start() error {
	return ms.server.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (ms *MetricsServer) Stop(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
