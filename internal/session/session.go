// Package session holds the Session record produced by a successful
// CONNECT authentication, and SessionStore, the thin ExpiringCache
// wrapper that indexes sessions by ConnectionKey with the session's own
// session_time field as TTL.
package session

import (
	"net"
	"time"

	"hudproxy/internal/cache"
	"hudproxy/internal/cachekey"
)

// Session is the parsed, immutable record of one authenticated CONNECT.
// All four credential-derived strings are guaranteed non-empty and
// length-bounded by the Authenticator that builds it; Session itself does
// not re-validate.
type Session struct {
	ClientAddr  net.Addr
	Customer    string
	SessionID   string
	Country     string
	SessionTime uint64 // seconds; doubles as the TTL of derived cache entries
	Password    string
}

// TTL returns the session's lifetime as a time.Duration, the unit every
// cache operation in this package expects.
func (s Session) TTL() time.Duration {
	return time.Duration(s.SessionTime) * time.Second
}

// Store is an ExpiringCache[ConnectionKey, Session]. TTL at insert time is
// always the session's own SessionTime — the session is authoritative
// over its own lifetime, never the cache's default.
type Store struct {
	cache *cache.ExpiringCache[cachekey.ConnectionKey, Session]
}

// NewStore constructs an empty session store. Options are forwarded to
// the underlying ExpiringCache (capacity, flush interval, clock), so
// tests can shrink the flush interval exactly as spec.md §9 allows.
func NewStore(opts ...cache.Option[cachekey.ConnectionKey, Session]) *Store {
	return &Store{cache: cache.New(opts...)}
}

// Insert stores session under key with TTL = session.SessionTime seconds,
// returning whatever session previously lived there (including one that
// had already expired). Two successive valid CONNECTs from the same
// (ip, host) therefore leave exactly one live session, whose TTL reflects
// the second CONNECT's session_time.
func (s *Store) Insert(key cachekey.ConnectionKey, sess Session) (previous Session, hadPrevious bool) {
	return s.cache.SetWithTTL(key, sess, sess.TTL())
}

// Get returns the live session for key, or ok=false if there is none or
// it has expired.
func (s *Store) Get(key cachekey.ConnectionKey) (Session, bool) {
	return s.cache.Get(key)
}
