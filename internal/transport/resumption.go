package transport

import (
	utls "github.com/sardanioss/utls"
)

// NewResumptionCache returns an in-memory TLS session ticket cache sized
// for capacity distinct upstream hosts. It is intentionally process-local
// and not persisted to disk: the proxy's cache layer never survives a
// restart, and TLS session tickets are no exception. The teacher's own
// disk-backed SessionState (cookies, ECH configs, session tickets
// serialized to JSON) is not carried over for the same reason.
func NewResumptionCache(capacity int) utls.ClientSessionCache {
	if capacity <= 0 {
		capacity = 64
	}
	return utls.NewLRUClientSessionCache(capacity)
}
