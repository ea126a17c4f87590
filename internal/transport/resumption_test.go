package transport

import "testing"

func TestNewResumptionCache_DefaultsCapacity(t *testing.T) {
	c := NewResumptionCache(0)
	if c == nil {
		t.Fatal("expected a non-nil cache even for a non-positive capacity")
	}
}

func TestNewResumptionCache_PositiveCapacity(t *testing.T) {
	c := NewResumptionCache(16)
	if c == nil {
		t.Fatal("expected a non-nil cache")
	}
}
