// Package discovery implements STUN-based server-reflexive address
// discovery (spec §4.7): resolve a name's SRV candidates, drive a STUN
// Binding request against each in order through pkg/stun's requester, and
// optionally keep the mapping warm with periodic re-pings.
package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/khryptorgraphics/p2pconnect/pkg/errors"
	"github.com/khryptorgraphics/p2pconnect/pkg/logging"
	"github.com/khryptorgraphics/p2pconnect/pkg/monitoring"
	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
)

// Config configures a Discoverer.
type Config struct {
	Name              string // DNS name to resolve SRV candidates for
	Service           string // SRV service, e.g. "stun"
	Proto             string // "udp" or "tcp"
	DefaultPort       uint16 // used when SRV resolution yields nothing
	KeepWarmPingPeriod time.Duration
}

// Result is the learned reflexive mapping.
type Result struct {
	ReflexiveAddr net.Addr
	Server        net.Addr
}

// Discoverer resolves and maintains a reflexive address mapping against a
// list of STUN server candidates (spec §4.7).
type Discoverer struct {
	mu sync.Mutex

	cfg       Config
	conn      netio.PacketConn
	resolver  netio.Resolver
	scheduler netio.Scheduler
	mgr       *stun.Manager
	log       *logging.Logger

	result       *Result
	candidates   []net.Addr
	candidateIdx int
	cancelWarm   func()

	onResult func(*Result)

	metrics *monitoring.PrometheusMetrics
}

// SetMetrics wires m into this Discoverer so discovery-attempt outcomes
// actually advance (spec §7).
func (d *Discoverer) SetMetrics(m *monitoring.PrometheusMetrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

// New constructs a Discoverer.
func New(cfg Config, conn netio.PacketConn, resolver netio.Resolver, scheduler netio.Scheduler, mgr *stun.Manager, log *logging.Logger) *Discoverer {
	d := &Discoverer{
		cfg:       cfg,
		conn:      conn,
		resolver:  resolver,
		scheduler: scheduler,
		mgr:       mgr,
		log:       log.For("discovery", cfg.Name),
	}
	// Replies arrive on conn; hand every parseable STUN message to mgr so
	// it reaches the Requester waiting for its TID.
	conn.SetReadCallback(func(data []byte, from net.Addr) {
		if msg, err := stun.Parse(data, stun.ParseOptions{}); err == nil {
			mgr.Offer(msg, from)
		}
	})
	return d
}

// OnResult registers a callback invoked every time the reflexive address
// is learned or refreshed.
func (d *Discoverer) OnResult(fn func(*Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResult = fn
}

// Result returns the most recently learned mapping, if any.
func (d *Discoverer) Result() *Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

// Start resolves SRV candidates for cfg.Name and begins the discovery
// sequence against the first one.
func (d *Discoverer) Start(ctx context.Context) error {
	candidates, err := d.resolveCandidates(ctx)
	if err != nil || len(candidates) == 0 {
		return errors.Wrap(errors.KindTransport, "discovery", "Start", "no_candidates", err)
	}
	d.mu.Lock()
	d.candidates = candidates
	d.candidateIdx = 0
	d.mu.Unlock()

	d.tryCandidate(0)
	return nil
}

func (d *Discoverer) resolveCandidates(ctx context.Context) ([]net.Addr, error) {
	service := d.cfg.Service
	if service == "" {
		service = "stun"
	}
	proto := d.cfg.Proto
	if proto == "" {
		proto = "udp"
	}

	srv, err := d.resolver.ResolveSRV(ctx, service, proto, d.cfg.Name)
	var out []net.Addr
	if err == nil {
		for _, cand := range srv {
			ips, herr := d.resolver.ResolveHost(ctx, cand.Host)
			if herr != nil || len(ips) == 0 {
				continue
			}
			out = append(out, &net.UDPAddr{IP: ips[0], Port: int(cand.Port)})
		}
	}
	if len(out) == 0 {
		ips, herr := d.resolver.ResolveHost(ctx, d.cfg.Name)
		if herr != nil || len(ips) == 0 {
			return nil, herr
		}
		port := d.cfg.DefaultPort
		if port == 0 {
			port = 3478
		}
		out = append(out, &net.UDPAddr{IP: ips[0], Port: int(port)})
	}
	return out, nil
}

func (d *Discoverer) tryCandidate(idx int) {
	d.mu.Lock()
	if idx >= len(d.candidates) {
		d.mu.Unlock()
		return
	}
	server := d.candidates[idx]
	d.mu.Unlock()

	req, err := stun.NewRequest(stun.MethodBinding)
	if err != nil {
		return
	}

	stun.NewRequester(d.mgr, d.scheduler, req, server, stun.DefaultRequestPattern(), stun.EncodeOptions{AddFingerprint: true},
		func(packet []byte, dest net.Addr) { d.conn.Send(dest, packet) },
		func(resp *stun.Message, from net.Addr) bool {
			if resp.Class != stun.ClassSuccessResponse {
				return false
			}
			ip, port, ok := resp.Attributes.XorMappedAddress(resp.TID)
			if !ok {
				d.metrics.RecordDiscoveryAttempt("rejected")
				return false
			}
			d.metrics.RecordDiscoveryAttempt("accepted")
			d.recordResult(&net.UDPAddr{IP: ip, Port: port}, server)
			return true
		},
		func() {
			d.metrics.RecordDiscoveryAttempt("timed_out")
			d.tryCandidate(idx + 1)
		},
	).Start()
}

func (d *Discoverer) recordResult(reflexive, server net.Addr) {
	d.mu.Lock()
	d.result = &Result{ReflexiveAddr: reflexive, Server: server}
	cb := d.onResult
	period := d.cfg.KeepWarmPingPeriod
	if d.cancelWarm != nil {
		d.cancelWarm()
		d.cancelWarm = nil
	}
	if period > 0 {
		d.cancelWarm = d.scheduler.SchedulePeriodic(period, func() { d.tryCandidate(0) })
	}
	result := d.result
	d.mu.Unlock()

	if cb != nil {
		cb(result)
	}
}

// Stop cancels any keep-warm ping schedule.
func (d *Discoverer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelWarm != nil {
		d.cancelWarm()
		d.cancelWarm = nil
	}
}
