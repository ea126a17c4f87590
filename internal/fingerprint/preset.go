// Package fingerprint generates the TLS ClientHello identity and the HTTP
// header set a browser-impersonating upstream client presents, so that
// both layers agree on which browser they claim to be. A mismatch between
// JA3/JA4 and the header set (e.g. a Chrome ClientHello paired with
// Firefox's Accept-Language ordering) is exactly what most fingerprint
// detectors key on, so the two are generated from one Preset together.
package fingerprint

import (
	"runtime"

	utls "github.com/sardanioss/utls"
)

// Preset bundles everything needed to reproduce one browser's network
// identity: the uTLS ClientHello ID, the User-Agent string, the static
// header set GenerateNavigationHeaders/GenerateXHRHeaders layer
// context-specific headers on top of, and the header wire order.
type Preset struct {
	Name          string
	UserAgent     string
	ChromeVersion string
	ClientHelloID utls.ClientHelloID
	Headers       map[string]string
	// HeaderOrder fixes the wire order of the header set below, the part
	// net/http's map-backed http.Header cannot express on its own.
	HeaderOrder []string
}

// DefaultPresetName is used by PresetByName when the requested preset is
// empty or unrecognized, so the factory NewImpersonatingClient builds from
// is always total.
const DefaultPresetName = "chrome-120"

var presets = map[string]*Preset{
	"chrome-104": {
		Name:          "chrome-104",
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/104.0.0.0 Safari/537.36",
		ChromeVersion: "104",
		ClientHelloID: utls.HelloChrome_104,
		Headers: map[string]string{
			"sec-ch-ua":          `"Chromium";v="104", " Not A;Brand";v="99", "Google Chrome";v="104"`,
			"sec-ch-ua-mobile":   "?0",
			"sec-ch-ua-platform": `"Windows"`,
			"accept-language":    "en-US,en;q=0.9",
			"accept-encoding":    "gzip, deflate, br",
		},
		HeaderOrder: []string{
			"Host", "Connection", "sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform",
			"Upgrade-Insecure-Requests", "User-Agent", "Accept", "Sec-Fetch-Site",
			"Sec-Fetch-Mode", "Sec-Fetch-User", "Sec-Fetch-Dest", "Referer",
			"Accept-Encoding", "Accept-Language",
		},
	},
	"chrome-120": {
		Name:          "chrome-120",
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ChromeVersion: "120",
		ClientHelloID: utls.HelloChrome_120,
		Headers: map[string]string{
			"sec-ch-ua":          `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
			"sec-ch-ua-mobile":   "?0",
			"sec-ch-ua-platform": `"Windows"`,
			"accept-language":    "en-US,en;q=0.9",
			"accept-encoding":    "gzip, deflate, br, zstd",
		},
		HeaderOrder: []string{
			"Host", "Connection", "sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform",
			"Upgrade-Insecure-Requests", "User-Agent", "Accept", "Sec-Fetch-Site",
			"Sec-Fetch-Mode", "Sec-Fetch-User", "Sec-Fetch-Dest", "Referer",
			"Accept-Encoding", "Accept-Language",
		},
	},
}

// PresetByName looks up a named preset, falling back to DefaultPresetName
// for an empty or unknown name rather than returning an error — callers
// such as upstream.NewImpersonatingClient must be able to treat this as a
// total function.
func PresetByName(name string) *Preset {
	if p, ok := presets[name]; ok {
		return p
	}
	return presets[DefaultPresetName]
}

// PlatformInfo describes the OS/arch a preset's client hints should claim,
// independent of the actual host process's runtime.GOOS/GOARCH.
type PlatformInfo struct {
	Platform        string
	Arch            string
	PlatformVersion string
}

// GetPlatformInfo returns the platform client hints should advertise.
// Chrome's sec-ch-ua-platform describes the claimed browser's OS, which on
// a Linux-hosted proxy process is deliberately NOT runtime.GOOS — the
// proxy always impersonates Windows desktop Chrome regardless of host.
func GetPlatformInfo() PlatformInfo {
	_ = runtime.GOOS // host OS is intentionally irrelevant to the claimed fingerprint
	return PlatformInfo{
		Platform:        "Windows",
		Arch:            "x86",
		PlatformVersion: "15.0.0",
	}
}
