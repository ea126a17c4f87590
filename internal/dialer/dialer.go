// Package dialer chains the impersonating upstream client's connections
// through an optional upstream TCP/UDP proxy, mirroring local_proxy.go's
// own dialTarget/dialThroughHTTPProxy split between a SOCKS5 proxy, a
// plain HTTP CONNECT proxy, and a direct dial.
package dialer

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	sardnet "github.com/sardanioss/net"

	"hudproxy/internal/transport"
)

// Config configures a Dialer. Empty TCPProxy/UDPProxy means dial directly.
// An empty DNSServer leaves hostname resolution to the operating system.
type Config struct {
	TCPProxy  string
	UDPProxy  string
	DNSServer string
	Timeout   time.Duration
}

// Dialer is the dial hook an upstream.Client's transport uses for every
// connection it opens, direct or chained.
type Dialer struct {
	cfg      Config
	resolver *Resolver
}

// New constructs a Dialer from cfg.
func New(cfg Config) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dialer{cfg: cfg, resolver: NewResolver(cfg.DNSServer, cfg.Timeout)}
}

// DialContext opens a connection to addr, routed through the configured
// upstream proxy (SOCKS5 preferred, else HTTP CONNECT) or directly if
// none is configured. Direct dials resolve addr's host through the
// configured Resolver first when one is set, rather than letting the
// runtime's own dialer fall back to the host's system resolver.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyURL := d.cfg.TCPProxy

	if proxyURL != "" && IsSOCKS5URL(proxyURL) {
		sd, err := NewSOCKS5Dialer(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		sd.Timeout = d.cfg.Timeout
		return sd.DialContext(ctx, network, addr)
	}

	if proxyURL != "" && (strings.HasPrefix(proxyURL, "http://") || strings.HasPrefix(proxyURL, "https://")) {
		return dialThroughHTTPProxy(ctx, proxyURL, addr, d.cfg.Timeout)
	}

	nd := &sardnet.Dialer{Timeout: d.cfg.Timeout, KeepAlive: 30 * time.Second}

	if d.resolver.Enabled() {
		resolved, err := d.resolveAddr(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr, err)
		}
		addr = resolved
	}

	return nd.DialContext(ctx, network, addr)
}

// resolveAddr rewrites host:port to the resolver's first answer for host,
// port unchanged.
func (d *Dialer) resolveAddr(ctx context.Context, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ips[0], port), nil
}

// IsSOCKS5URL reports whether rawURL names a socks5/socks5h proxy.
func IsSOCKS5URL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "socks5" || u.Scheme == "socks5h"
}

// dialThroughHTTPProxy connects to targetAddr via an HTTP CONNECT tunnel
// through the proxy named by proxyURL, forwarding Proxy-Authorization
// basic credentials carried in the URL's userinfo. The returned conn is a
// transport.SpeculativeConn rather than an already-negotiated tunnel: the
// CONNECT request is held back until the caller's first Write (the
// fingerprinted TLS ClientHello dialTLSContext sends immediately after),
// so the CONNECT and the ClientHello travel in one flight instead of
// waiting for the proxy's 200 before starting TLS at all.
func dialThroughHTTPProxy(ctx context.Context, proxyURL, targetAddr string, timeout time.Duration) (net.Conn, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	proxyHost := parsed.Host
	if parsed.Port() == "" {
		port := "80"
		if parsed.Scheme == "https" {
			port = "443"
		}
		proxyHost = net.JoinHostPort(parsed.Hostname(), port)
	}

	nd := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := nd.DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if parsed.User != nil {
		user := parsed.User.Username()
		pass, _ := parsed.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"

	return transport.NewSpeculativeConn(conn, req), nil
}
