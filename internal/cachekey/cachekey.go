// Package cachekey derives the two opaque digests used to index the
// session and upstream-client stores: ConnectionKey and UpstreamClientKey.
// Both are SHA-1 over a fixed concatenation of their inputs — the 160-bit
// digest spec.md calls for, and the algorithm the original Rust
// implementation used for the same non-adversarial bucketing purpose (see
// DESIGN.md). Equality is byte equality; neither key is ever parsed back
// into its inputs.
package cachekey

import (
	"crypto/sha1"
)

const digestSize = sha1.Size // 20 bytes = 160 bits

// ConnectionKey identifies a (client IP, target host) pair. Two
// connections from the same peer to the same host collide on purpose:
// that's what lets a later plaintext request be matched back to the
// session its CONNECT established.
type ConnectionKey [digestSize]byte

// NewConnectionKey hashes clientIP || 0x00 || targetHost. The NUL byte,
// which neither an IP literal nor a host name contains, keeps pairs whose
// plain concatenations coincide ("1.2.3.4"+"5.com", "1.2.3.45"+".com")
// on distinct keys.
func NewConnectionKey(clientIP, targetHost string) ConnectionKey {
	h := sha1.New()
	h.Write([]byte(clientIP))
	h.Write([]byte{0})
	h.Write([]byte(targetHost))
	var k ConnectionKey
	copy(k[:], h.Sum(nil))
	return k
}

// UpstreamClientKey identifies the upstream client that should serve a
// given session's requests on a given route. Two requests in the same
// session that resolve to the same route_tag share a client.
type UpstreamClientKey [digestSize]byte

// NewUpstreamClientKey hashes connKey || sessionID || password || routeTag.
func NewUpstreamClientKey(connKey ConnectionKey, sessionID, password, routeTag string) UpstreamClientKey {
	h := sha1.New()
	h.Write(connKey[:])
	h.Write([]byte(sessionID))
	h.Write([]byte(password))
	h.Write([]byte(routeTag))
	var k UpstreamClientKey
	copy(k[:], h.Sum(nil))
	return k
}
