package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hudproxy/internal/session"
)

func TestTag_IsPureFunctionOfCountry(t *testing.T) {
	a := session.Session{Country: "US", Customer: "x"}
	b := session.Session{Country: "US", Customer: "y"} // differs elsewhere
	require.Equal(t, Tag(a), Tag(b))
}

func TestTag_Normalizes(t *testing.T) {
	require.Equal(t, Tag(session.Session{Country: "US"}), Tag(session.Session{Country: "us"}))
}

func TestTag_DifferentCountriesDiffer(t *testing.T) {
	require.NotEqual(t, Tag(session.Session{Country: "US"}), Tag(session.Session{Country: "DE"}))
}
