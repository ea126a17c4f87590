package session_test

import (
	"testing"
	"time"

	"hudproxy/internal/cache"
	"hudproxy/internal/cachekey"
	"hudproxy/internal/session"
)

func TestSession_TTL(t *testing.T) {
	s := session.Session{SessionTime: 300}
	if got, want := s.TTL(), 300*time.Second; got != want {
		t.Fatalf("TTL() = %v, want %v", got, want)
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	store := session.NewStore()
	key := cachekey.NewConnectionKey("10.0.0.1", "example.com:443")
	sess := session.Session{Customer: "acme", SessionID: "abc", SessionTime: 60}

	store.Insert(key, sess)

	got, ok := store.Get(key)
	if !ok {
		t.Fatal("expected session to be present")
	}
	if got.Customer != "acme" {
		t.Fatalf("Customer = %q, want acme", got.Customer)
	}
}

func TestStore_Get_MissingKeyReturnsFalse(t *testing.T) {
	store := session.NewStore()
	_, ok := store.Get(cachekey.NewConnectionKey("10.0.0.1", "example.com:443"))
	if ok {
		t.Fatal("expected ok=false for a key that was never inserted")
	}
}

func TestStore_Insert_ExpiredSessionIsNotObservedByGet(t *testing.T) {
	now := time.Unix(0, 0)
	store := session.NewStore(cache.WithClock[cachekey.ConnectionKey, session.Session](func() time.Time { return now }))
	key := cachekey.NewConnectionKey("10.0.0.1", "example.com:443")

	store.Insert(key, session.Session{SessionTime: 1})
	now = now.Add(2 * time.Second)

	if _, ok := store.Get(key); ok {
		t.Fatal("expected the session to have expired")
	}
}
