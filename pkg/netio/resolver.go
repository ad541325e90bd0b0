package netio

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/miekg/dns"
)

// SRVCandidate is one ordered result of an SRV lookup: spec §6's
// "resolveSRV(name, service, proto) -> ordered list of
// (host, port, priority, weight, ttl)".
type SRVCandidate struct {
	Host     string
	Port     uint16
	Priority uint16
	Weight   uint16
	TTL      uint32
}

// Resolver is the DNS contract from spec §6.
type Resolver interface {
	ResolveSRV(ctx context.Context, service, proto, name string) ([]SRVCandidate, error)
	ResolveHost(ctx context.Context, host string) ([]net.IP, error)
}

// dnsResolver is the production Resolver, backed by github.com/miekg/dns
// for SRV records (net.LookupSRV only talks to the OS resolver and cannot
// be pointed at an explicit server, which matters when a TURN deployment
// advertises its own authoritative DNS). A/AAAA lookups fall back to the
// standard library resolver since nothing about RFC 5766 server discovery
// requires bypassing it there.
type dnsResolver struct {
	client     *dns.Client
	serverAddr string // "" means use the system-configured resolver via resolv.conf
}

// NewResolver builds a Resolver. If serverAddr is empty, the resolver reads
// /etc/resolv.conf (the conventional way a miekg/dns-based client discovers
// its upstream server on Unix).
func NewResolver(serverAddr string) Resolver {
	return &dnsResolver{client: new(dns.Client), serverAddr: serverAddr}
}

func (r *dnsResolver) upstream() (string, error) {
	if r.serverAddr != "" {
		return r.serverAddr, nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return "", fmt.Errorf("netio: no DNS server configured: %w", err)
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port), nil
}

func (r *dnsResolver) ResolveSRV(ctx context.Context, service, proto, name string) ([]SRVCandidate, error) {
	server, err := r.upstream()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("_%s._%s.%s.", service, proto, dns.Fqdn(name))
	msg := new(dns.Msg)
	msg.SetQuestion(query, dns.TypeSRV)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("netio: SRV lookup for %s failed: %w", query, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("netio: SRV lookup for %s returned rcode %d", query, resp.Rcode)
	}

	candidates := make([]SRVCandidate, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		candidates = append(candidates, SRVCandidate{
			Host:     srv.Target,
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
			TTL:      srv.Hdr.Ttl,
		})
	}

	// Order by (priority, weight) ascending priority, descending weight —
	// the ordering spec §6 requires for server-candidate selection.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Weight > candidates[j].Weight
	})
	return candidates, nil
}

func (r *dnsResolver) ResolveHost(ctx context.Context, host string) ([]net.IP, error) {
	var resolver net.Resolver
	return resolver.LookupIP(ctx, "ip", host)
}
