package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	sardnet "github.com/sardanioss/net"
	utls "github.com/sardanioss/utls"

	"hudproxy/internal/dialer"
	"hudproxy/internal/fingerprint"
	"hudproxy/internal/transport"
)

// DefaultTimeout bounds dial+round-trip for an impersonating client that
// wasn't given WithTimeout explicitly.
const DefaultTimeout = 30 * time.Second

// impersonatingClient is the default Client implementation: a browser
// fingerprint preset (TLS ClientHello, ALPN order, header set) wired
// through a net/http-shaped transport whose dial hook negotiates TLS via
// uTLS instead of crypto/tls, so the connection's JA3/JA4 matches the
// impersonated browser instead of the Go runtime.
type impersonatingClient struct {
	cfg       clientConfig
	preset    *fingerprint.Preset
	headers   *fingerprint.HeaderCoherence
	transport    *http.Transport
	client       *http.Client
	dial         *dialer.Dialer
	keyLog       io.WriteCloser
	sessionCache utls.ClientSessionCache
}

// NewImpersonatingClient constructs the Client the UpstreamClientStore's
// factory returns on a cache miss. preset selects the browser profile (e.g.
// "chrome-120"); unknown presets fall back to fingerprint.DefaultPresetName rather than
// failing, since the factory passed to GetOrInsertWith must be total.
func NewImpersonatingClient(preset string, opts ...ClientOption) Client {
	cfg := clientConfig{
		preset:       preset,
		timeout:      DefaultTimeout,
		maxIdleConns: 100,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := fingerprint.PresetByName(cfg.preset)

	d := dialer.New(dialer.Config{
		TCPProxy:  cfg.tcpProxy,
		UDPProxy:  cfg.udpProxy,
		DNSServer: cfg.dnsServer,
		Timeout:   cfg.timeout,
	})

	c := &impersonatingClient{
		cfg:          cfg,
		preset:       p,
		headers:      fingerprint.NewHeaderCoherence(p),
		dial:         d,
		sessionCache: transport.NewResumptionCache(32),
	}

	if cfg.tlsKeyLogPath != "" {
		if w, err := transport.NewKeyLogFileWriter(cfg.tlsKeyLogPath); err == nil {
			c.keyLog = w
		}
	}

	c.transport = &http.Transport{
		DialContext:           d.DialContext,
		DialTLSContext:        c.dialTLSContext,
		MaxIdleConns:          cfg.maxIdleConns,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true, // we decode br/gzip ourselves to match the preset's Accept-Encoding order
	}
	c.client = &http.Client{
		Transport: c.transport,
		Timeout:   cfg.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return c
}

// dialTLSContext performs the fingerprinted TLS handshake: dial the raw
// connection through the configured dialer (which may itself chain
// through an upstream SOCKS5/HTTP proxy, possibly with a speculative
// first flight), then hand it to uTLS with the preset's ClientHelloID
// instead of letting net/http negotiate a stock Go ClientHello.
func (c *impersonatingClient) dialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	raw, err := c.dial.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("upstream dial: %w", err)
	}

	tlsCfg := &utls.Config{
		ServerName:         host,
		NextProtos:         []string{"h2", "http/1.1"},
		ClientSessionCache: c.sessionCache,
	}
	if c.keyLog != nil {
		tlsCfg.KeyLogWriter = c.keyLog
	} else if w := transport.GetKeyLogWriter(); w != nil {
		tlsCfg.KeyLogWriter = w
	}

	uconn := utls.UClient(raw, tlsCfg, c.preset.ClientHelloID)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("fingerprinted handshake: %w", err)
	}
	return uconn, nil
}

// Execute implements Client. The preset's navigation header set
// (User-Agent, client hints, Sec-Fetch-*, Accept*) fills every header the
// request does not already carry; net/http's map-backed Header keeps
// neither the preset's wire order nor its casing. spec.md §4.6 relies on the dispatcher having already stripped
// Host/Accept/Accept-Encoding from the proxy-side request so this step
// owns those headers exclusively.
func (c *impersonatingClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	c.headers.ApplyPresetHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decode body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// decodeBody undoes whatever content-encoding the origin used, since
// DisableCompression above stops net/http from doing it for us (we need
// to control ordering of the Accept-Encoding header ourselves).
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch resp.Header.Get("Content-Encoding") {
	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, err
		}
		return decodedBody(resp, decoded), nil
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		decoded, err := io.ReadAll(gr)
		if err != nil {
			return nil, err
		}
		return decodedBody(resp, decoded), nil
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		decoded, err := io.ReadAll(fr)
		if err != nil {
			return nil, err
		}
		return decodedBody(resp, decoded), nil
	default:
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
}

// decodedBody strips the encoding header and corrects Content-Length to
// match the decompressed byte count — the one resp carried described the
// compressed body on the wire, not decoded's length.
func decodedBody(resp *http.Response, decoded []byte) io.ReadCloser {
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
	resp.ContentLength = int64(len(decoded))
	return io.NopCloser(bytes.NewReader(decoded))
}

// Close releases the connection pool and closes any TLS key log file
// this client opened.
func (c *impersonatingClient) Close() error {
	c.transport.CloseIdleConnections()
	if c.keyLog != nil {
		return c.keyLog.Close()
	}
	return nil
}

// staticTLSDialer bypasses uTLS entirely and hands back a plain
// crypto/tls connection. Nothing in this repository, tests included,
// uses it.
type staticTLSDialer struct {
	base *tls.Config
}

func (s staticTLSDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := sardnet.Dialer{}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tconn := tls.Client(conn, s.base)
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tconn, nil
}
