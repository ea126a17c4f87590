// Package dispatch implements the proxy's request state machine: CONNECT
// authenticates and stores a session, every other method looks the
// session up and forwards through a cached upstream client, and the
// canned 407/308/500 responses cover every path that can't be forwarded.
// It is the direct counterpart of the original Rust implementation's
// ProxyHandler::handle_request.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"hudproxy/internal/authn"
	"hudproxy/internal/cachekey"
	"hudproxy/internal/convert"
	"hudproxy/internal/router"
	"hudproxy/internal/session"
	"hudproxy/internal/upstream"
)

// Dispatcher holds every collaborator the state machine needs: the
// authenticator that turns a Proxy-Authorization header into a Session,
// the session store keyed by ConnectionKey, the upstream client store
// keyed by UpstreamClientKey, the route tagger, and the optional
// authorization hook spec.md leaves pluggable (default accepts every
// parsed session).
type Dispatcher struct {
	Authenticator *authn.Authenticator
	Sessions      *session.Store
	Upstreams     *upstream.Store
	Tag           router.Tagger
	Authorize     authn.Authorize
	Logger        zerolog.Logger
}

// New constructs a Dispatcher with router.Tag and authn.AllowAll as the
// default Tagger/Authorize, overridable by setting the fields directly
// after construction.
func New(authenticator *authn.Authenticator, sessions *session.Store, upstreams *upstream.Store, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Authenticator: authenticator,
		Sessions:      sessions,
		Upstreams:     upstreams,
		Tag:           router.Tag,
		Authorize:     authn.AllowAll,
		Logger:        logger,
	}
}

// Handle is the state machine entry point. req is the plaintext request
// the MITM layer decoded off a terminated connection (CONNECT for the
// first request on a tunnel, any method thereafter); clientAddr is the
// client's observed network address, and targetHost is the host the
// dispatcher keys sessions and cache entries by (the CONNECT target for
// a tunnel, or req.Host for the H1-over-cleartext path).
func (d *Dispatcher) Handle(ctx context.Context, req *http.Request, clientAddr net.Addr, targetHost string) *http.Response {
	connKey := cachekey.NewConnectionKey(clientAddrIP(clientAddr), targetHost)

	if req.Method == http.MethodConnect {
		return d.handleConnect(req, clientAddr, connKey)
	}

	return d.handleRequest(ctx, req, connKey)
}

func (d *Dispatcher) handleConnect(req *http.Request, clientAddr net.Addr, connKey cachekey.ConnectionKey) *http.Response {
	sess, err := d.Authenticator.Parse(req.Header.Get("Proxy-Authorization"), clientAddr)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("proxy connect auth failed")
		return authRequired()
	}

	if !d.Authorize(sess) {
		d.Logger.Warn().Str("customer", sess.Customer).Msg("session rejected by authorization hook")
		return authRequired()
	}

	d.Sessions.Insert(connKey, sess)
	d.Logger.Trace().Str("customer", sess.Customer).Msg("connect successful")
	return connectEstablished()
}

func (d *Dispatcher) handleRequest(ctx context.Context, req *http.Request, connKey cachekey.ConnectionKey) *http.Response {
	sess, ok := d.Sessions.Get(connKey)
	if !ok {
		return d.noSessionResponse(req)
	}

	tag := d.Tag(sess)
	clientKey := cachekey.NewUpstreamClientKey(connKey, sess.SessionID, sess.Password, tag)
	client := d.Upstreams.Acquire(clientKey, sess)

	targetURL := req.URL.String()
	upReq := convert.RequestToUpstream(req, targetURL)

	upResp, err := client.Execute(ctx, upReq)
	if err != nil {
		d.Logger.Error().Err(err).Str("url", targetURL).Msg("upstream execute failed")
		return internalServerError()
	}

	return convert.ResponseFromUpstream(upResp)
}

// noSessionResponse implements the "no active session" branch: an
// http:// request with no session is assumed to be a client that hasn't
// CONNECTed yet and gets redirected to https://; anything else (an
// https request whose CONNECT never authenticated, or a malformed
// request) gets the same 407 a failed auth gets.
func (d *Dispatcher) noSessionResponse(req *http.Request) *http.Response {
	if req.URL.Scheme == "http" {
		return httpsRedirect(req)
	}
	return authRequired()
}

func clientAddrIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func httpsRedirect(req *http.Request) *http.Response {
	u := *req.URL
	u.Scheme = "https"
	return &http.Response{
		StatusCode: http.StatusPermanentRedirect,
		Header:     http.Header{"Location": []string{u.String()}},
		Body:       http.NoBody,
	}
}

func authRequired() *http.Response {
	return &http.Response{
		StatusCode: http.StatusProxyAuthRequired,
		Header:     http.Header{"Proxy-Authenticate": []string{"Basic"}},
		Body:       http.NoBody,
	}
}

func connectEstablished() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     fmt.Sprintf("%d %s", http.StatusOK, "Connection established"),
		Body:       http.NoBody,
	}
}

func internalServerError() *http.Response {
	return &http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       http.NoBody,
	}
}
