package stun

import (
	"net"
	"sync"

	"github.com/khryptorgraphics/p2pconnect/pkg/monitoring"
)

// Manager is the process-wide TID→requester registry (spec §4.3). It is a
// singleton in normal operation (see pkg/discovery and cmd/p2pdiag), but
// nothing here enforces that beyond convention — tests construct their own.
type Manager struct {
	mu      sync.Mutex
	byTID   map[TransactionID]*Requester
	metrics *monitoring.PrometheusMetrics
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{byTID: make(map[TransactionID]*Requester)}
}

// SetMetrics wires m into every Requester this Manager routes responses
// to, so retransmit/timeout/outcome counts actually advance instead of the
// debug HTTP surface's /metrics only ever showing static zero series.
func (m *Manager) SetMetrics(metrics *monitoring.PrometheusMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// getMetrics returns the wired metrics handle, or nil if none was set;
// nil is a valid, always-safe receiver for every PrometheusMetrics method.
func (m *Manager) getMetrics() *monitoring.PrometheusMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Manager) register(tid TransactionID, r *Requester) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTID[tid] = r
}

func (m *Manager) unregister(tid TransactionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byTID, tid)
}

// Offer routes an inbound STUN message to the requester that owns its TID,
// if any. It returns true if a requester consumed the message. Only
// responses (success or error) are routed; indications and requests are
// never matched here (spec §4.3 only concerns outbound transactions).
func (m *Manager) Offer(msg *Message, from net.Addr) bool {
	if msg.Class != ClassSuccessResponse && msg.Class != ClassErrorResponse {
		return false
	}
	m.mu.Lock()
	r, ok := m.byTID[msg.TID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	r.deliver(msg, from)
	return true
}

// Len reports the number of outstanding transactions, for diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byTID)
}
