// Package upstream defines the UpstreamClient capability spec.md §3 and
// §9 describe — "an HTTP client instance configured to impersonate a
// fixed browser fingerprint ... a capability { execute(Request) ->
// future(Response) }" — plus UpstreamClientStore, the ExpiringCache
// wrapper that keys instances by UpstreamClientKey so repeated requests
// in the same session/route reuse one connection pool and one TLS
// fingerprint.
//
// The impersonating implementation is a thin adapter over the teacher
// module's own fingerprinting stack (github.com/sardanioss/utls for the
// ClientHello, internal/dialer over github.com/sardanioss/net for direct
// dials) underneath net/http's Transport and Client, whose map-backed
// Header does not keep the preset's header order — the "browser-impersonating HTTP client library" spec.md §1
// treats as an external collaborator with a factory. A scripted mock
// satisfying the same interface is used by dispatcher tests, per spec.md
// §9's note that the client is swappable for testing.
package upstream

//go:generate go run go.uber.org/mock/mockgen -destination=mockupstream/mock_client.go -package=mockupstream hudproxy/internal/upstream Client

import (
	"context"
	"io"
	"net/http"
	"time"

	"hudproxy/internal/cache"
	"hudproxy/internal/cachekey"
	"hudproxy/internal/session"
)

// Request is the upstream-side request type an UpstreamClient executes.
// It is distinct from *http.Request (the proxy-side type) per spec.md
// §4.7; internal/convert translates between the two.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   io.ReadCloser
}

// Response is the upstream-side response type an UpstreamClient returns.
type Response struct {
	StatusCode int
	Proto      string
	Header     http.Header
	Body       io.ReadCloser
}

// Client is the capability every UpstreamClient implementation provides.
// Implementations must be safe for concurrent use — the same *Client is
// shared by every request in a session/route, by design (see
// UpstreamClientStore).
type Client interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
	// Close releases the connection pool and any TLS session cache this
	// client owns. Store does not call it when an entry expires, is swept
	// or is evicted.
	Close() error
}

// Factory builds a fresh Client for a cache miss. Per the ExpiringCache
// contract it must be total: construction failures must be encoded as a
// Client whose Execute always fails, not as a panic or an error return,
// since GetOrInsertWith's factory cannot fail.
type Factory func() Client

// Store is an ExpiringCache[UpstreamClientKey, Client]. TTL at insertion
// time is always the owning session's SessionTime; if an existing entry's
// TTL disagrees with the session's current SessionTime, the entry's TTL
// is reset rather than recreating the client — the connection pool and
// fingerprint must survive a session-time update intact.
type Store struct {
	cache   *cache.ExpiringCache[cachekey.UpstreamClientKey, Client]
	factory Factory
}

// NewStore constructs a store whose cache misses are filled by factory
// (ordinarily NewImpersonatingClient bound to a preset).
func NewStore(factory Factory, opts ...cache.Option[cachekey.UpstreamClientKey, Client]) *Store {
	return &Store{cache: cache.New(opts...), factory: factory}
}

// Acquire returns the upstream client for key, creating one via the
// store's factory on a miss. sess.TTL() is authoritative: acquiring
// through a session whose SessionTime differs from what's on file resets
// the entry's expiry without touching the client itself.
func (s *Store) Acquire(key cachekey.UpstreamClientKey, sess session.Session) Client {
	return s.cache.GetOrInsertWith(key, s.factory, sess.TTL())
}

// Len reports the number of upstream clients currently tracked
// (including any not yet swept past expiry).
func (s *Store) Len() int { return s.cache.Len() }

// ClientOption configures an impersonating Client at construction.
type ClientOption func(*clientConfig)

type clientConfig struct {
	preset        string
	timeout       time.Duration
	tcpProxy      string
	udpProxy      string
	dnsServer     string
	tlsKeyLogPath string
	maxIdleConns  int
}

// WithTimeout bounds every Execute call's dial+round-trip time. Per
// spec.md §5 ("Timeouts"), the proxy itself imposes no additional timers
// beyond what the upstream client is configured with here.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUpstreamProxy routes the impersonating client's TCP dials through
// another proxy, mirroring local_proxy.go's per-session TCPProxy/UDPProxy
// configuration. udpProxy is passed on to dialer.Config but no dial path
// uses it: the client has no HTTP/3 transport.
func WithUpstreamProxy(tcpProxy, udpProxy string) ClientOption {
	return func(c *clientConfig) { c.tcpProxy = tcpProxy; c.udpProxy = udpProxy }
}

// WithTLSKeyLog enables SSLKEYLOGFILE-format logging of this client's TLS
// session secrets, for offline Wireshark analysis during development.
func WithTLSKeyLog(path string) ClientOption {
	return func(c *clientConfig) { c.tlsKeyLogPath = path }
}

// WithDNSServer routes the impersonating client's direct dials through a
// recursive DNS server instead of the operating system resolver.
func WithDNSServer(addr string) ClientOption {
	return func(c *clientConfig) { c.dnsServer = addr }
}
