// Package convert translates between the proxy-side *http.Request/
// *http.Response types the MITM layer decodes off the wire and the
// upstream.Request/upstream.Response types an UpstreamClient executes.
// No transformation beyond header rewriting and body framing happens
// here — response bodies pass through byte-for-byte, never rewritten or
// cached, matching the proxy's explicit refusal to understand payloads.
package convert

import (
	"io"
	"net/http"

	"hudproxy/internal/upstream"
)

// hopByHopHeaders are never forwarded end-to-end; RFC 7230 §6.1 scopes
// them to a single transport hop, and the proxy terminates one hop and
// originates another.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// droppedRequestHeaders are stripped from the client's request before it
// is handed to the upstream client: Host because the upstream client
// derives it from the request URL, Accept/Accept-Encoding because the
// impersonating client owns those to stay coherent with its fingerprint.
var droppedRequestHeaders = map[string]bool{
	"Host":            true,
	"Accept":          true,
	"Accept-Encoding": true,
}

// RequestToUpstream builds the upstream-side request for a decoded
// proxy-side request, targetURL being the absolute URL the dispatcher
// resolved (req.URL in full, after the MITM layer has filled in a missing
// scheme and host on the request it decoded).
func RequestToUpstream(req *http.Request, targetURL string) *upstream.Request {
	header := make(http.Header, len(req.Header))
	ReplaceHeaders(header, req.Header)
	for k := range droppedRequestHeaders {
		header.Del(k)
	}
	for k := range hopByHopHeaders {
		header.Del(k)
	}

	return &upstream.Request{
		Method: req.Method,
		URL:    targetURL,
		Header: header,
		Body:   req.Body,
	}
}

// ResponseFromUpstream builds the proxy-side response the client
// connection receives, from what the upstream client returned. The body
// is forwarded unread and undecoded — the proxy has no business parsing
// or caching it.
func ResponseFromUpstream(resp *upstream.Response) *http.Response {
	header := make(http.Header, len(resp.Header))
	ReplaceHeaders(header, resp.Header)
	for k := range hopByHopHeaders {
		header.Del(k)
	}

	body := resp.Body
	if body == nil {
		body = io.NopCloser(http.NoBody)
	}

	return &http.Response{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     header,
		Body:       body,
	}
}

// ReplaceHeaders copies every header from src into dst, overwriting any
// existing values for a key on its first value and appending src's
// remaining values for that same key — the same key-by-key replace
// (rather than a blind merge or a blind overwrite) reqwest's own
// util::replace_headers performs, so a single key present in both src and
// dst ends up with exactly src's values, not dst's values with src's
// appended.
func ReplaceHeaders(dst, src http.Header) {
	for key, values := range src {
		for i, v := range values {
			if i == 0 {
				dst[key] = []string{v}
			} else {
				dst[key] = append(dst[key], v)
			}
		}
	}
}
