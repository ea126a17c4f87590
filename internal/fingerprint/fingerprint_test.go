package fingerprint

import (
	"net/http"
	"testing"
)

func TestPresetByName_FallsBackToDefault(t *testing.T) {
	cases := []string{"", "not-a-real-preset"}
	for _, name := range cases {
		p := PresetByName(name)
		if p.Name != DefaultPresetName {
			t.Fatalf("PresetByName(%q) = %q, want default %q", name, p.Name, DefaultPresetName)
		}
	}

	known := PresetByName("chrome-104")
	if known.Name != "chrome-104" {
		t.Fatalf("PresetByName(chrome-104) = %q", known.Name)
	}
}

func TestGetPlatformInfo_AlwaysClaimsWindows(t *testing.T) {
	info := GetPlatformInfo()
	if info.Platform != "Windows" {
		t.Fatalf("claimed platform = %q, want Windows regardless of host OS", info.Platform)
	}
}

func TestCalculateFetchSite(t *testing.T) {
	cases := []struct {
		name, referrer, target string
		want                   FetchSite
	}{
		{"no referrer", "", "https://example.com/a", FetchSiteNone},
		{"same origin", "https://example.com/a", "https://example.com/b", FetchSiteSameOrigin},
		{"same site different subdomain", "https://a.example.com/x", "https://b.example.com/y", FetchSiteSameSite},
		{"cross site", "https://evil.com/x", "https://example.com/y", FetchSiteCrossSite},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := calculateFetchSite(tc.referrer, tc.target); got != tc.want {
				t.Errorf("calculateFetchSite(%q, %q) = %q, want %q", tc.referrer, tc.target, got, tc.want)
			}
		})
	}
}

func TestGenerateSecFetchHeaders_NavigationSetsUser(t *testing.T) {
	h := GenerateSecFetchHeaders(NavigationContext())
	if h.User != "?1" {
		t.Fatalf("navigation context should set Sec-Fetch-User=?1, got %q", h.User)
	}
	if h.Mode != "navigate" || h.Dest != "document" || h.Site != "none" {
		t.Fatalf("unexpected sec-fetch set: %+v", h)
	}
}

func TestHeaderCoherence_GenerateNavigationHeaders_IncludesPresetAndUA(t *testing.T) {
	preset := PresetByName("chrome-120")
	hc := NewHeaderCoherence(preset)

	headers := hc.GenerateNavigationHeaders()
	if headers["User-Agent"] != preset.UserAgent {
		t.Fatalf("User-Agent = %q, want %q", headers["User-Agent"], preset.UserAgent)
	}
	if headers["Upgrade-Insecure-Requests"] != "1" {
		t.Fatalf("expected Upgrade-Insecure-Requests=1 on a navigation request")
	}
	if headers["Sec-Fetch-User"] != "?1" {
		t.Fatalf("expected Sec-Fetch-User=?1 on a navigation request")
	}
}

func TestHeaderCoherence_ApplyPresetHeaders_DoesNotClobberExisting(t *testing.T) {
	preset := PresetByName("chrome-120")
	hc := NewHeaderCoherence(preset)

	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("User-Agent", "custom-agent")

	hc.ApplyPresetHeaders(req)

	if got := req.Header.Get("User-Agent"); got != "custom-agent" {
		t.Fatalf("User-Agent was clobbered: got %q", got)
	}
	if req.Header.Get("Accept") == "" {
		t.Fatalf("expected ApplyPresetHeaders to fill in Accept")
	}
}

func TestHeaderCoherence_HeaderOrder_MatchesPreset(t *testing.T) {
	preset := PresetByName("chrome-120")
	hc := NewHeaderCoherence(preset)

	order := hc.HeaderOrder()
	if len(order) != len(preset.HeaderOrder) {
		t.Fatalf("HeaderOrder() length = %d, want %d", len(order), len(preset.HeaderOrder))
	}
	if order[0] != "Host" {
		t.Fatalf("HeaderOrder()[0] = %q, want Host", order[0])
	}
}
