// Package authn parses the Proxy-Authorization header carried on a
// CONNECT request into a session.Session, and defines the error taxonomy
// spec.md §4.1 and §7 require: NoAuthHeader, MalformedHeader (with a
// sub-cause chain), and Unauthorized (raised by the pluggable Authorize
// hook, not by this package).
//
// Stage 8 of the contract — the length and integer-parse bounds — is a
// real security boundary: the header is fully attacker-controlled. The
// field and password bounds are checked before a Session is built; the
// base64 decode, the split on '-' and the key map that precede those
// checks are sized by the header itself, whose overall length this
// package does not cap.
package authn

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"hudproxy/internal/session"
)

const basicAuthPrefix = "Basic "

const (
	minFieldLen = 1
	maxFieldLen = 32
	maxPassword = 64
)

// Kind discriminates the AuthError variants so the dispatcher can select
// a canned response without string matching.
type Kind int

const (
	// KindNoAuthHeader means the Proxy-Authorization header was absent.
	KindNoAuthHeader Kind = iota
	// KindMalformedHeader means the header was present but failed to
	// parse into a well-formed credential (see Cause for the sub-reason).
	KindMalformedHeader
	// KindUnauthorized means the header parsed fine but the Authorize
	// hook rejected the resulting session.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNoAuthHeader:
		return "no_auth_header"
	case KindMalformedHeader:
		return "malformed_header"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// AuthError is the tagged error type raised by this package and by the
// Authorize hook. Only KindUnauthorized carries the submitted
// credentials — and only for a log sink, never for a client response.
type AuthError struct {
	Kind     Kind
	Cause    string // human-readable sub-reason, e.g. "odd token count"
	Addr     net.Addr
	Customer string
	Password string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

func malformed(cause string, err error) *AuthError {
	return &AuthError{Kind: KindMalformedHeader, Cause: cause, Err: err}
}

// Authenticator parses Proxy-Authorization headers into Sessions.
type Authenticator struct{}

// New constructs an Authenticator. It carries no state today; the
// constructor exists so callers depend on a type, not a package-level
// function, which keeps the door open for configurable bound overrides
// later without breaking call sites.
func New() *Authenticator { return &Authenticator{} }

// Parse implements the contract in spec.md §4.1 steps 1-9.
func (a *Authenticator) Parse(headerValue string, clientAddr net.Addr) (session.Session, error) {
	if headerValue == "" {
		return session.Session{}, &AuthError{Kind: KindNoAuthHeader}
	}

	if !strings.HasPrefix(headerValue, basicAuthPrefix) {
		return session.Session{}, malformed("missing Basic prefix", nil)
	}
	encoded := headerValue[len(basicAuthPrefix):]

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return session.Session{}, malformed("invalid base64", err)
	}

	if !utf8.Valid(decoded) {
		return session.Session{}, malformed("invalid utf-8", nil)
	}
	creds := string(decoded)

	idx := strings.LastIndex(creds, ":")
	if idx < 0 {
		return session.Session{}, malformed("missing ':' separator", nil)
	}
	usernameBlob, password := creds[:idx], creds[idx+1:]

	tokens := strings.Split(usernameBlob, "-")
	if len(tokens)%2 != 0 {
		return session.Session{}, malformed("odd token count", nil)
	}

	fields := make(map[string]string, len(tokens)/2)
	for i := 0; i+1 < len(tokens); i += 2 {
		fields[tokens[i]] = tokens[i+1]
	}

	customer, ok := fields["customer"]
	if !ok {
		return session.Session{}, malformed("missing key: customer", nil)
	}
	sessionID, ok := fields["session_id"]
	if !ok {
		return session.Session{}, malformed("missing key: session_id", nil)
	}
	country, ok := fields["country"]
	if !ok {
		return session.Session{}, malformed("missing key: country", nil)
	}
	sessionTimeRaw, ok := fields["session_time"]
	if !ok {
		return session.Session{}, malformed("missing key: session_time", nil)
	}

	for name, v := range map[string]string{
		"customer":     customer,
		"session_id":   sessionID,
		"country":      country,
		"session_time": sessionTimeRaw,
	} {
		if l := len(v); l < minFieldLen || l > maxFieldLen {
			return session.Session{}, malformed(fmt.Sprintf("%s length %d out of bounds [%d,%d]", name, l, minFieldLen, maxFieldLen), nil)
		}
	}
	if l := len(password); l < minFieldLen || l > maxPassword {
		return session.Session{}, malformed(fmt.Sprintf("password length %d out of bounds [%d,%d]", l, minFieldLen, maxPassword), nil)
	}

	sessionTime, err := strconv.ParseUint(sessionTimeRaw, 10, 64)
	if err != nil {
		return session.Session{}, malformed("session_time is not an unsigned integer", err)
	}

	return session.Session{
		ClientAddr:  clientAddr,
		Customer:    customer,
		SessionID:   sessionID,
		Country:     country,
		SessionTime: sessionTime,
		Password:    password,
	}, nil
}

// Authorize is the pluggable extension point spec.md §4.1 describes. The
// default accepts every parsed session; production deployments replace
// it with a real identity lookup. Implementations must be side-effect-free
// and cheap (O(1) plus I/O lookups) — this is not itself an identity
// store.
type Authorize func(session.Session) bool

// AllowAll is the default Authorize hook: it accepts every session that
// parsed successfully.
func AllowAll(session.Session) bool { return true }
