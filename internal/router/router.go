// Package router maps a session.Session to a short route_tag used to
// partition upstream clients within a single session. spec.md §4.2 and
// §9 fix the default policy to the session's country field; this is kept
// as its own package (rather than inlined in the dispatcher) so a
// production build can substitute a richer policy — per spec.md's own
// note that alternatives are "a design choice, not a correctness
// concern" — without touching the dispatcher or cache-key derivation.
//
// This mirrors the original Rust implementation's route.get_route_type,
// which the distilled spec folds into prose but which original_source/
// calls out as its own step ahead of ClientHash::new.
package router

import (
	"strings"

	"hudproxy/internal/session"
)

const maxTagLen = 32

// Tagger is a pure function of a Session: same session fields must
// always produce the same tag, and the tag must be no longer than 32
// bytes.
type Tagger func(session.Session) string

// Tag is the default Tagger: the session's country, normalized to
// lowercase so "US" and "us" segregate onto the same upstream client.
func Tag(s session.Session) string {
	tag := strings.ToLower(s.Country)
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	return tag
}
