package dialer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up A/AAAA records for a direct dial's target host against
// a configured recursive DNS server, bypassing the operating system
// resolver entirely. This matters for a proxy whose whole job is
// controlling what the upstream origin sees: a stub resolver that leaks
// through to the host's /etc/resolv.conf can out the egress network a
// client believed it was routing through.
type Resolver struct {
	server string
	client *dns.Client

	mu    sync.Mutex
	cache map[string]cachedAddrs
}

type cachedAddrs struct {
	addrs   []string
	expires time.Time
}

// NewResolver builds a Resolver querying server (host:port, e.g.
// "1.1.1.1:53"). An empty server disables the resolver; callers fall back
// to net.Dialer's own resolution in that case.
func NewResolver(server string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: timeout},
		cache:  make(map[string]cachedAddrs),
	}
}

// Enabled reports whether a DNS server was configured.
func (r *Resolver) Enabled() bool { return r != nil && r.server != "" }

// LookupHost resolves host to its A addresses, querying AAAA only when the
// A query fails or returns none, and prefers a cached answer still within
// its TTL. If host is already a literal IP
// address it is returned unchanged with no query.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	r.mu.Lock()
	if c, ok := r.cache[host]; ok && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.addrs, nil
	}
	r.mu.Unlock()

	addrs, ttl, err := r.query(ctx, host, dns.TypeA)
	if err != nil || len(addrs) == 0 {
		var v6 []string
		v6, ttl, err = r.query(ctx, host, dns.TypeAAAA)
		addrs = v6
		if err != nil {
			return nil, err
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dns: no records for %s", host)
	}

	r.mu.Lock()
	r.cache[host] = cachedAddrs{addrs: addrs, expires: time.Now().Add(ttl)}
	r.mu.Unlock()

	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]string, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, 0, fmt.Errorf("dns query %s: %w", host, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("dns query %s: rcode %s", host, dns.RcodeToString[resp.Rcode])
	}

	minTTL := uint32(0)
	var addrs []string
	for _, rr := range resp.Answer {
		var addr string
		switch rec := rr.(type) {
		case *dns.A:
			addr = rec.A.String()
		case *dns.AAAA:
			addr = rec.AAAA.String()
		default:
			continue
		}
		addrs = append(addrs, addr)
		if h := rr.Header().Ttl; minTTL == 0 || h < minTTL {
			minTTL = h
		}
	}
	if minTTL == 0 {
		minTTL = 30
	}
	return addrs, time.Duration(minTTL) * time.Second, nil
}
