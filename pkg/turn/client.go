// Package turn implements the RFC 5766 TURN client (spec §4.4): relay
// allocation, permission management, channel binding, and the send/recv
// classification that sits on top of an allocated relay address.
package turn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/p2pconnect/pkg/backoff"
	"github.com/khryptorgraphics/p2pconnect/pkg/errors"
	"github.com/khryptorgraphics/p2pconnect/pkg/logging"
	"github.com/khryptorgraphics/p2pconnect/pkg/monitoring"
	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/noncecache"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
	"github.com/khryptorgraphics/p2pconnect/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// State is one of the client lifecycle states from spec §4.4.
type State int

const (
	StatePending State = iota
	StateDiscovering
	StateAllocating
	StateReady
	StateRefreshing
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateDiscovering:
		return "Discovering"
	case StateAllocating:
		return "Allocating"
	case StateReady:
		return "Ready"
	case StateRefreshing:
		return "Refreshing"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// ShutdownCode categorizes why the client reached Shutdown (spec §4.4
// "failure semantics").
type ShutdownCode string

const (
	ShutdownNone                      ShutdownCode = ""
	ShutdownRefreshTimeout            ShutdownCode = "RefreshTimeout"
	ShutdownFailedToConnectToAnyServer ShutdownCode = "FailedToConnectToAnyServer"
	ShutdownRequested                 ShutdownCode = "Requested"
)

// Config configures a Client.
type Config struct {
	URIs       []string // turn: / turns: style URIs, resolved via Resolver
	Username   string
	Password   string
	Realm      string // learned from the 401 challenge if empty
	EvenPort   bool
	ReserveNext bool // request RESERVATION-TOKEN alongside EVEN-PORT

	// RelayBandwidth caps outbound relayed traffic; zero disables shaping.
	RelayBandwidth rate.Limit
	RelayBurst     int
}

// Allocation is the state learned from a successful Allocate (spec §4.4).
// ID is a client-local correlation identifier for logs/metrics/the debug
// HTTP surface; it never appears on the wire (the wire-format transaction
// ID is a 96-bit CSPRNG value per spec §3, generated in pkg/stun).
type Allocation struct {
	ID               uuid.UUID `json:"id"`
	RelayedAddress net.Addr
	ReflexiveAddress net.Addr
	Lifetime       time.Duration
	ReservationToken [8]byte
	HasReservation bool
}

type permission struct {
	peer    net.Addr
	expires time.Time
}

type channelBinding struct {
	number  uint16
	peer    net.Addr
	expires time.Time
}

// Client drives one TURN allocation end to end. It is bound to a single
// dispatch queue (spec §5): all exported methods and callbacks are
// expected to run from the same goroutine, matching every other component
// in this module.
type Client struct {
	mu sync.Mutex

	cfg       Config
	conn      netio.PacketConn
	resolver  netio.Resolver
	scheduler netio.Scheduler
	mgr       *stun.Manager
	log       *logging.Logger

	state        State
	shutdownCode ShutdownCode
	servers      []net.Addr
	serverIdx    int
	serverAddr   net.Addr

	nonce string
	realm string

	allocation  *Allocation
	permissions map[string]*permission // key: peer.String()
	channels    map[uint16]*channelBinding
	channelsByPeer map[string]uint16
	nextChannel uint16

	limiter *rate.Limiter

	refreshFailures int
	cancelRefresh   func()

	subs   []func(State, ShutdownCode)
	OnData func(peer net.Addr, payload []byte)

	span trace.Span

	metrics *monitoring.PrometheusMetrics
	nonces  *noncecache.Cache
}

// New constructs a Client bound to conn, using resolver for SRV lookups and
// scheduler for Refresh/Permission/ChannelBind renewal timers.
func New(cfg Config, conn netio.PacketConn, resolver netio.Resolver, scheduler netio.Scheduler, mgr *stun.Manager, log *logging.Logger) *Client {
	c := &Client{
		cfg:            cfg,
		conn:           conn,
		resolver:       resolver,
		scheduler:      scheduler,
		mgr:            mgr,
		log:            log.For("turn", "client"),
		state:          StatePending,
		permissions:    make(map[string]*permission),
		channels:       make(map[uint16]*channelBinding),
		channelsByPeer: make(map[string]uint16),
		nextChannel:    0x4000,
	}
	if cfg.RelayBandwidth > 0 {
		c.limiter = rate.NewLimiter(cfg.RelayBandwidth, cfg.RelayBurst)
	}
	conn.SetReadCallback(c.onPacket)
	return c
}

// SetMetrics wires m into this client so allocation, refresh, permission,
// channel-bind, and relayed-byte counts actually advance (spec §7).
func (c *Client) SetMetrics(m *monitoring.PrometheusMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// SetNonceCache wires a persistent nonce/realm cache so a restarted client
// does not have to round-trip a fresh 401 challenge against a server it has
// already authenticated to (spec §4.4).
func (c *Client) SetNonceCache(cache *noncecache.Cache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces = cache
}

// Subscribe registers a state-change observer.
func (c *Client) Subscribe(fn func(State, ShutdownCode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Client) transitionLocked(to State, code ShutdownCode) {
	c.state = to
	c.shutdownCode = code
	if to == StateShutdown && c.span != nil {
		c.span.SetAttributes(attribute.String("turn.shutdown_code", string(code)))
		if code != ShutdownRequested && code != ShutdownNone {
			c.span.SetStatus(codes.Error, string(code))
		}
		c.span.End()
		c.span = nil
	}
	for _, s := range c.subs {
		s(to, code)
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allocation returns the current allocation, if any.
func (c *Client) Allocation() *Allocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocation
}

// Snapshot is a read-only view of a Client's live state for diagnostic
// surfaces (cmd/p2pdiag's debug JSON endpoint).
type Snapshot struct {
	State       string   `json:"state"`
	Allocation  *Allocation `json:"allocation,omitempty"`
	Permissions []string `json:"permissions"`
	Channels    map[uint16]string `json:"channels"`
}

// Snapshot captures the client's current state, allocation, permission
// peers, and channel bindings without exposing the internal maps.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := make([]string, 0, len(c.permissions))
	for peer := range c.permissions {
		peers = append(peers, peer)
	}
	channels := make(map[uint16]string, len(c.channels))
	for number, binding := range c.channels {
		channels[number] = binding.peer.String()
	}
	return Snapshot{
		State:       c.state.String(),
		Allocation:  c.allocation,
		Permissions: peers,
		Channels:    channels,
	}
}

// Start resolves servers and begins allocating. credential realm may be
// empty until the first 401 challenge arrives.
func (c *Client) Start(ctx context.Context) error {
	_, span := tracing.Tracer("p2pconnect/turn").Start(context.Background(), "turn.allocation")

	c.mu.Lock()
	c.span = span
	c.transitionLocked(StateDiscovering, ShutdownNone)
	c.mu.Unlock()

	servers, err := c.resolveServers(ctx)
	if err != nil || len(servers) == 0 {
		c.mu.Lock()
		c.transitionLocked(StateShutdown, ShutdownFailedToConnectToAnyServer)
		c.mu.Unlock()
		return errors.Wrap(errors.KindTransport, "turn", "Start", "resolve_failed", err)
	}

	c.mu.Lock()
	c.servers = servers
	c.serverIdx = 0
	c.serverAddr = servers[0]
	c.transitionLocked(StateAllocating, ShutdownNone)
	c.loadCachedNonceLocked()
	c.mu.Unlock()

	c.sendAllocate()
	return nil
}

// loadCachedNonceLocked seeds c.realm/c.nonce from the nonce cache for the
// current server, if one is wired and holds an unexpired entry, so the
// first Allocate can skip straight past the 401 challenge. c.mu must be
// held.
func (c *Client) loadCachedNonceLocked() {
	if c.nonces == nil {
		return
	}
	entry, ok := c.nonces.Get(c.serverAddr.String())
	if !ok {
		return
	}
	c.realm = entry.Realm
	c.nonce = entry.Nonce
}

// cacheNonceLocked persists realm/nonce for the current server, if a cache
// is wired. c.mu must be held.
func (c *Client) cacheNonceLocked(realm, nonce string) {
	if c.nonces == nil {
		return
	}
	_ = c.nonces.Put(c.serverAddr.String(), realm, nonce)
}

// resolveServers resolves the configured URIs in configuration order. For
// each URI it takes the SRV candidates in the order the resolver returns
// them, or, when SRV yields nothing, the host's first address on port
// 3478. The per-URI lists are concatenated without reordering across URIs,
// and every candidate is returned as a UDP address; no TCP transport is
// attempted, including for turns: URIs.
func (c *Client) resolveServers(ctx context.Context) ([]net.Addr, error) {
	var out []net.Addr
	for _, uri := range c.cfg.URIs {
		host, proto := parseTurnURI(uri)
		candidates, err := c.resolver.ResolveSRV(ctx, "turn", proto, host)
		if err != nil || len(candidates) == 0 {
			ips, ierr := c.resolver.ResolveHost(ctx, host)
			if ierr != nil || len(ips) == 0 {
				continue
			}
			out = append(out, &net.UDPAddr{IP: ips[0], Port: 3478})
			continue
		}
		for _, cand := range candidates {
			ips, err := c.resolver.ResolveHost(ctx, cand.Host)
			if err != nil || len(ips) == 0 {
				continue
			}
			out = append(out, &net.UDPAddr{IP: ips[0], Port: int(cand.Port)})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("turn: no server candidates resolved")
	}
	return out, nil
}

func parseTurnURI(uri string) (host, proto string) {
	// Accept "turn:host", "turns:host", or bare "host"; the turns: scheme
	// selects the tcp SRV service name, everything else udp.
	proto = "udp"
	h := uri
	if len(uri) > 5 && uri[:5] == "turn:" {
		h = uri[5:]
	} else if len(uri) > 6 && uri[:6] == "turns:" {
		h = uri[6:]
		proto = "tcp"
	}
	return h, proto
}

func (c *Client) credential() stun.Credential {
	return stun.Credential{Username: c.cfg.Username, Realm: c.realm, Password: c.cfg.Password}
}

func (c *Client) sendAllocate() {
	req, _ := stun.NewRequest(0x003) // Allocate
	req.Attributes.SetRequestedTransport(17)
	if c.cfg.EvenPort {
		req.Attributes.SetEvenPort(c.cfg.ReserveNext)
	}
	if c.nonce != "" {
		req.Attributes.SetUsername(c.cfg.Username)
		req.Attributes.SetRealm(c.realm)
		req.Attributes.SetNonce(c.nonce)
	}

	encodeOpt := stun.EncodeOptions{AddFingerprint: true}
	if c.nonce != "" {
		cred := c.credential()
		encodeOpt.Credential = &cred
	}

	stun.NewRequester(c.mgr, c.scheduler, req, c.serverAddr, stun.DefaultRequestPattern(), encodeOpt,
		func(packet []byte, dest net.Addr) { c.conn.Send(dest, packet) },
		c.handleAllocateResponse,
		c.handleAllocateTimeout,
	).Start()
}

func (c *Client) handleAllocateResponse(resp *stun.Message, _ net.Addr) bool {
	if resp.Class == stun.ClassErrorResponse {
		ec, _ := resp.Attributes.ErrorCode()
		if ec.Code == 401 || ec.Code == 438 {
			realm, _ := resp.Attributes.Realm()
			nonce, _ := resp.Attributes.Nonce()
			c.mu.Lock()
			c.realm = realm
			c.nonce = nonce
			c.cacheNonceLocked(realm, nonce)
			c.mu.Unlock()
			c.sendAllocate()
			return true // this transaction is done; the retry above is a new one
		}
		c.metrics.RecordTURNAllocation("failed")
		return true // unrecoverable error; give up on this attempt path
	}

	relayIP, relayPort, _ := resp.Attributes.XorRelayedAddress(resp.TID)
	reflIP, reflPort, _ := resp.Attributes.XorMappedAddress(resp.TID)
	lifetimeSec, _ := resp.Attributes.LifetimeSeconds()
	if lifetimeSec == 0 {
		lifetimeSec = 600
	}

	c.mu.Lock()
	c.allocation = &Allocation{
		ID:               uuid.New(),
		RelayedAddress:   &net.UDPAddr{IP: relayIP, Port: relayPort},
		ReflexiveAddress: &net.UDPAddr{IP: reflIP, Port: reflPort},
		Lifetime:         time.Duration(lifetimeSec) * time.Second,
	}
	c.log = c.log.For("turn.client", c.allocation.ID.String())
	c.transitionLocked(StateReady, ShutdownNone)
	lifetime := c.allocation.Lifetime
	c.mu.Unlock()

	c.metrics.RecordTURNAllocation("success")
	c.scheduleRefresh(lifetime)
	return true
}

func (c *Client) handleAllocateTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.RecordTURNAllocation("timed_out")
	c.serverIdx++
	if c.serverIdx >= len(c.servers) {
		c.transitionLocked(StateShutdown, ShutdownFailedToConnectToAnyServer)
		return
	}
	c.serverAddr = c.servers[c.serverIdx]
	c.loadCachedNonceLocked()
	go c.sendAllocate()
}

// scheduleRefresh arms a Refresh at 75% of the allocation lifetime, per
// spec §4.4.
func (c *Client) scheduleRefresh(lifetime time.Duration) {
	c.mu.Lock()
	if c.cancelRefresh != nil {
		c.cancelRefresh()
	}
	c.cancelRefresh = c.scheduler.ScheduleOnce(lifetime*75/100, c.sendRefresh)
	c.mu.Unlock()
}

func (c *Client) sendRefresh() {
	c.mu.Lock()
	c.transitionLocked(StateRefreshing, ShutdownNone)
	c.mu.Unlock()

	req, _ := stun.NewRequest(0x004) // Refresh
	req.Attributes.SetUsername(c.cfg.Username)
	req.Attributes.SetRealm(c.realm)
	req.Attributes.SetNonce(c.nonce)
	cred := c.credential()

	stun.NewRequester(c.mgr, c.scheduler, req, c.serverAddr, stun.DefaultRequestPattern(),
		stun.EncodeOptions{Credential: &cred, AddFingerprint: true},
		func(packet []byte, dest net.Addr) { c.conn.Send(dest, packet) },
		c.handleRefreshResponse,
		c.handleRefreshTimeout,
	).Start()
}

func (c *Client) handleRefreshResponse(resp *stun.Message, _ net.Addr) bool {
	if resp.Class == stun.ClassErrorResponse {
		ec, _ := resp.Attributes.ErrorCode()
		if ec.Code == 438 {
			realm, _ := resp.Attributes.Realm()
			nonce, _ := resp.Attributes.Nonce()
			c.mu.Lock()
			c.realm = realm
			c.nonce = nonce
			c.cacheNonceLocked(realm, nonce)
			c.mu.Unlock()
			c.sendRefresh()
			return true
		}
		c.metrics.RecordTURNRefreshFailure()
		return true
	}

	lifetimeSec, _ := resp.Attributes.LifetimeSeconds()
	lifetime := time.Duration(lifetimeSec) * time.Second
	c.mu.Lock()
	c.refreshFailures = 0
	if c.allocation != nil {
		c.allocation.Lifetime = lifetime
	}
	c.transitionLocked(StateReady, ShutdownNone)
	c.mu.Unlock()
	c.scheduleRefresh(lifetime)
	return true
}

func (c *Client) handleRefreshTimeout() {
	c.mu.Lock()
	c.refreshFailures++
	failed := c.refreshFailures > 2
	if failed {
		c.transitionLocked(StateShutdown, ShutdownRefreshTimeout)
	}
	c.mu.Unlock()
	c.metrics.RecordTURNRefreshFailure()
	if !failed {
		c.sendRefresh()
	}
}

// CreatePermission installs permissions for peers, batched into one
// request (spec §4.4), and schedules re-issue every 4 minutes.
func (c *Client) CreatePermission(peers ...net.Addr) {
	req, _ := stun.NewRequest(0x008) // CreatePermission
	cred := c.credential()
	req.Attributes.SetUsername(c.cfg.Username)
	req.Attributes.SetRealm(c.realm)
	req.Attributes.SetNonce(c.nonce)

	for _, p := range peers {
		udp, ok := p.(*net.UDPAddr)
		if !ok {
			continue
		}
		_ = req.Attributes.SetXorPeerAddress(udp.IP, udp.Port, req.TID)
	}

	stun.NewRequester(c.mgr, c.scheduler, req, c.serverAddr, stun.DefaultRequestPattern(),
		stun.EncodeOptions{Credential: &cred, AddFingerprint: true},
		func(packet []byte, dest net.Addr) { c.conn.Send(dest, packet) },
		func(resp *stun.Message, _ net.Addr) bool {
			if resp.Class == stun.ClassSuccessResponse {
				c.mu.Lock()
				now := time.Now()
				for _, p := range peers {
					c.permissions[p.String()] = &permission{peer: p, expires: now.Add(5 * time.Minute)}
				}
				n := len(c.permissions)
				c.mu.Unlock()
				c.metrics.SetTURNPermissions(n)
				c.scheduler.ScheduleOnce(4*time.Minute, func() { c.CreatePermission(peers...) })
			}
			return true
		},
		nil,
	).Start()
}

// ChannelBind binds the next round-robin channel number to peer, avoiding
// numbers currently in use, and schedules renewal every 9 minutes (spec
// §4.4: binding lifetime 10 minutes, refreshed at 9).
func (c *Client) ChannelBind(peer net.Addr) uint16 {
	c.mu.Lock()
	if existing, ok := c.channelsByPeer[peer.String()]; ok {
		c.mu.Unlock()
		return existing
	}
	number := c.allocateChannelNumberLocked()
	c.mu.Unlock()
	c.sendChannelBind(number, peer)
	return number
}

// sendChannelBind issues one ChannelBind request for number -> peer; on
// success it records the binding and schedules the next renewal.
func (c *Client) sendChannelBind(number uint16, peer net.Addr) {
	req, _ := stun.NewRequest(0x009) // ChannelBind
	cred := c.credential()
	req.Attributes.SetUsername(c.cfg.Username)
	req.Attributes.SetRealm(c.realm)
	req.Attributes.SetNonce(c.nonce)
	req.Attributes.SetChannelNumber(number)
	if udp, ok := peer.(*net.UDPAddr); ok {
		_ = req.Attributes.SetXorPeerAddress(udp.IP, udp.Port, req.TID)
	}

	stun.NewRequester(c.mgr, c.scheduler, req, c.serverAddr, stun.DefaultRequestPattern(),
		stun.EncodeOptions{Credential: &cred, AddFingerprint: true},
		func(packet []byte, dest net.Addr) { c.conn.Send(dest, packet) },
		func(resp *stun.Message, _ net.Addr) bool {
			if resp.Class != stun.ClassSuccessResponse {
				return true
			}
			c.mu.Lock()
			c.channels[number] = &channelBinding{number: number, peer: peer, expires: time.Now().Add(10 * time.Minute)}
			c.channelsByPeer[peer.String()] = number
			n := len(c.channels)
			c.mu.Unlock()
			c.metrics.SetTURNChannelBinds(n)
			c.scheduler.ScheduleOnce(9*time.Minute, func() { c.rebind(number, peer) })
			return true
		},
		nil,
	).Start()
}

func (c *Client) rebind(number uint16, peer net.Addr) {
	c.mu.Lock()
	_, stillBound := c.channels[number]
	c.mu.Unlock()
	if !stillBound {
		return
	}
	c.sendChannelBind(number, peer)
}

func (c *Client) allocateChannelNumberLocked() uint16 {
	for i := 0; i < 0x4000; i++ {
		n := c.nextChannel
		c.nextChannel++
		if c.nextChannel > 0x7FFF {
			c.nextChannel = 0x4000
		}
		if _, used := c.channels[n]; !used {
			return n
		}
	}
	return c.nextChannel
}

// Send transmits payload to peer: via ChannelData if a channel is bound,
// otherwise via a Send Indication (spec §4.4).
func (c *Client) Send(peer net.Addr, payload []byte) error {
	if c.limiter != nil && !c.limiter.AllowN(time.Now(), len(payload)) {
		return errors.New(errors.KindTransport, "turn", "Send", "rate_limited", "relay bandwidth exceeded")
	}

	c.mu.Lock()
	number, bound := c.channelsByPeer[peer.String()]
	c.mu.Unlock()

	if bound {
		frame := encodeChannelData(number, payload)
		res := c.conn.Send(c.serverAddr, frame)
		if res.Err != nil {
			return res.Err
		}
		c.metrics.RecordRelayedBytes("to-peer", len(payload))
		return nil
	}

	ind, err := stun.NewIndication(0x006) // Send
	if err != nil {
		return err
	}
	if udp, ok := peer.(*net.UDPAddr); ok {
		_ = ind.Attributes.SetXorPeerAddress(udp.IP, udp.Port, ind.TID)
	}
	ind.Attributes.SetData(payload)
	ind.Attributes.SetDontFragment()

	packet, err := stun.Encode(ind, stun.EncodeOptions{AddFingerprint: true})
	if err != nil {
		return err
	}
	res := c.conn.Send(c.serverAddr, packet)
	if res.Err != nil {
		return res.Err
	}
	c.metrics.RecordRelayedBytes("to-peer", len(payload))
	return nil
}

// onPacket classifies inbound bytes by first byte (spec §4.4 "recv path").
func (c *Client) onPacket(data []byte, from net.Addr) {
	if len(data) == 0 {
		return
	}
	first := data[0]
	switch {
	case first <= 0x03:
		c.onSTUNPacket(data, from)
	case first >= 0x40 && first <= 0x7F:
		c.onChannelData(data, from)
	default:
		c.log.Warn(context.Background(), "dropped unrecognized relay packet", map[string]interface{}{"first_byte": first})
	}
}

func (c *Client) onSTUNPacket(data []byte, from net.Addr) {
	cred := c.credential()
	msg, err := stun.Parse(data, stun.ParseOptions{Credential: &cred})
	if err != nil {
		msg, err = stun.Parse(data, stun.ParseOptions{})
		if err != nil {
			return
		}
	}
	if c.mgr.Offer(msg, from) {
		return
	}
	if msg.Method == 0x007 && msg.Class == stun.ClassIndication { // Data indication
		payload, _ := msg.Attributes.Data()
		c.metrics.RecordRelayedBytes("from-peer", len(payload))
		if c.OnData != nil {
			c.OnData(from, payload)
		}
	}
}

func (c *Client) onChannelData(data []byte, from net.Addr) {
	number, payload, ok := decodeChannelData(data)
	if !ok {
		return
	}
	c.mu.Lock()
	binding, known := c.channels[number]
	c.mu.Unlock()
	if !known {
		return
	}
	c.metrics.RecordRelayedBytes("from-peer", len(payload))
	if c.OnData != nil {
		c.OnData(binding.peer, payload)
	}
}

// OnData is the application-level callback for relayed payloads, set
// directly rather than via Subscribe since it carries data, not a state
// transition.
func (c *Client) SetOnData(fn func(peer net.Addr, payload []byte)) {
	c.OnData = fn
}

// Shutdown tears the allocation down. Idempotent.
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateShutdown {
		return
	}
	if c.cancelRefresh != nil {
		c.cancelRefresh()
	}
	c.transitionLocked(StateShutdown, ShutdownRequested)
}
