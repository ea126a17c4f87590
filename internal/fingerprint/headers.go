package fingerprint

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dunglas/httpsfv"
)

// FetchMode represents the Sec-Fetch-Mode header value.
type FetchMode string

const (
	FetchModeNavigate   FetchMode = "navigate"
	FetchModeCORS       FetchMode = "cors"
	FetchModeNoCORS     FetchMode = "no-cors"
	FetchModeSameOrigin FetchMode = "same-origin"
)

// FetchDest represents the Sec-Fetch-Dest header value.
type FetchDest string

const (
	FetchDestDocument FetchDest = "document"
	FetchDestImage    FetchDest = "image"
	FetchDestScript   FetchDest = "script"
	FetchDestStyle    FetchDest = "style"
	FetchDestXHR      FetchDest = "empty"
)

// FetchSite represents the Sec-Fetch-Site header value.
type FetchSite string

const (
	FetchSiteNone       FetchSite = "none"
	FetchSiteSameOrigin FetchSite = "same-origin"
	FetchSiteSameSite   FetchSite = "same-site"
	FetchSiteCrossSite  FetchSite = "cross-site"
)

// RequestContext carries what's needed to generate a coherent Sec-Fetch-*
// and Accept header set for one request.
type RequestContext struct {
	Mode            FetchMode
	Dest            FetchDest
	Site            FetchSite
	IsUserTriggered bool
	Referrer        string
	TargetURL       string
}

// NavigationContext is the context for a top-level page load.
func NavigationContext() RequestContext {
	return RequestContext{Mode: FetchModeNavigate, Dest: FetchDestDocument, Site: FetchSiteNone, IsUserTriggered: true}
}

// XHRContext is the context for a fetch/XHR call from page script.
func XHRContext(referrer, targetURL string) RequestContext {
	return RequestContext{
		Mode: FetchModeCORS, Dest: FetchDestXHR, Site: calculateFetchSite(referrer, targetURL),
		Referrer: referrer, TargetURL: targetURL,
	}
}

func calculateFetchSite(referrer, targetURL string) FetchSite {
	if referrer == "" {
		return FetchSiteNone
	}
	refURL, err := url.Parse(referrer)
	if err != nil {
		return FetchSiteCrossSite
	}
	targURL, err := url.Parse(targetURL)
	if err != nil {
		return FetchSiteCrossSite
	}
	if refURL.Scheme == targURL.Scheme && refURL.Host == targURL.Host {
		return FetchSiteSameOrigin
	}
	if getRegistrableDomain(refURL.Host) == getRegistrableDomain(targURL.Host) && refURL.Scheme == targURL.Scheme {
		return FetchSiteSameSite
	}
	return FetchSiteCrossSite
}

func getRegistrableDomain(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], ".")
	}
	return host
}

// SecFetchHeaders is the set of Sec-Fetch-* values for one RequestContext.
type SecFetchHeaders struct {
	Site string
	Mode string
	Dest string
	User string
}

// GenerateSecFetchHeaders derives the Sec-Fetch-* set from a context.
func GenerateSecFetchHeaders(ctx RequestContext) SecFetchHeaders {
	h := SecFetchHeaders{Site: string(ctx.Site), Mode: string(ctx.Mode), Dest: string(ctx.Dest)}
	if ctx.IsUserTriggered && ctx.Mode == FetchModeNavigate {
		h.User = "?1"
	}
	return h
}

// secChUA renders the Sec-Ch-Ua structured-field list (RFC 8941) for a
// given Chrome version, using httpsfv rather than hand-built quoting so
// the output round-trips through any RFC 8941-compliant parser the same
// way a real browser's would.
func secChUA(chromeVersion string) string {
	list := httpsfv.NewList()
	item := func(brand, version string) httpsfv.Item {
		i := httpsfv.NewItem(brand)
		i.Params.Add("v", version)
		return *i
	}
	list = append(list, item("Not_A Brand", "8"))
	list = append(list, item("Chromium", chromeVersion))
	list = append(list, item("Google Chrome", chromeVersion))
	encoded, err := httpsfv.Marshal(list)
	if err != nil {
		return fmt.Sprintf(`"Not_A Brand";v="8", "Chromium";v="%s", "Google Chrome";v="%s"`, chromeVersion, chromeVersion)
	}
	return encoded
}

// ClientHints is the set of Sec-Ch-Ua-* client hint headers.
type ClientHints struct {
	UA                string
	UAMobile          string
	UAPlatform        string
	UAArch            string
	UABitness         string
	UAFullVersionList string
	UAPlatformVersion string
}

// GenerateClientHints builds the low-entropy (always sent) and, when
// requested, high-entropy (Accept-CH-gated) client hints for chromeVersion
// impersonating platform.
func GenerateClientHints(chromeVersion string, platform PlatformInfo, includeHighEntropy bool) ClientHints {
	hints := ClientHints{
		UA:         secChUA(chromeVersion),
		UAMobile:   "?0",
		UAPlatform: fmt.Sprintf(`"%s"`, platform.Platform),
	}
	if includeHighEntropy {
		hints.UAArch = fmt.Sprintf(`"%s"`, platform.Arch)
		hints.UABitness = `"64"`
		hints.UAFullVersionList = fmt.Sprintf(`"Not_A Brand";v="8.0.0.0", "Chromium";v="%s.0.0.0", "Google Chrome";v="%s.0.0.0"`, chromeVersion, chromeVersion)
		hints.UAPlatformVersion = fmt.Sprintf(`"%s"`, platform.PlatformVersion)
	}
	return hints
}

// HeaderCoherence generates request headers that agree with each other and
// with the preset's TLS fingerprint.
type HeaderCoherence struct {
	preset   *Preset
	platform PlatformInfo
}

// NewHeaderCoherence builds a HeaderCoherence for preset, using the
// platform GetPlatformInfo claims regardless of the host process's own OS.
func NewHeaderCoherence(preset *Preset) *HeaderCoherence {
	return &HeaderCoherence{preset: preset, platform: GetPlatformInfo()}
}

// ApplyToHeaders layers ctx's Sec-Fetch-*/Accept/Referer headers onto an
// existing header map in place.
func (h *HeaderCoherence) ApplyToHeaders(headers map[string]string, ctx RequestContext) {
	sf := GenerateSecFetchHeaders(ctx)
	headers["Sec-Fetch-Site"] = sf.Site
	headers["Sec-Fetch-Mode"] = sf.Mode
	headers["Sec-Fetch-Dest"] = sf.Dest
	if sf.User != "" {
		headers["Sec-Fetch-User"] = sf.User
	} else {
		delete(headers, "Sec-Fetch-User")
	}

	switch ctx.Mode {
	case FetchModeNavigate:
		headers["Upgrade-Insecure-Requests"] = "1"
		headers["Accept"] = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	case FetchModeCORS, FetchModeSameOrigin:
		headers["Accept"] = "*/*"
		delete(headers, "Upgrade-Insecure-Requests")
	case FetchModeNoCORS:
		switch ctx.Dest {
		case FetchDestImage:
			headers["Accept"] = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
		case FetchDestStyle:
			headers["Accept"] = "text/css,*/*;q=0.1"
		default:
			headers["Accept"] = "*/*"
		}
		delete(headers, "Upgrade-Insecure-Requests")
	}

	if ctx.Referrer != "" {
		headers["Referer"] = ctx.Referrer
	}
}

// GenerateNavigationHeaders returns the full header set for a top-level
// page load with this preset.
func (h *HeaderCoherence) GenerateNavigationHeaders() map[string]string {
	headers := make(map[string]string, len(h.preset.Headers)+6)
	for k, v := range h.preset.Headers {
		headers[k] = v
	}
	headers["User-Agent"] = h.preset.UserAgent
	h.ApplyToHeaders(headers, NavigationContext())
	return headers
}

// GenerateXHRHeaders returns the full header set for a same-document
// fetch/XHR call, referrer and targetURL feeding the Sec-Fetch-Site
// calculation.
func (h *HeaderCoherence) GenerateXHRHeaders(referrer, targetURL string) map[string]string {
	headers := map[string]string{
		"User-Agent":      h.preset.UserAgent,
		"Accept":          "*/*",
		"Accept-Encoding": h.preset.Headers["accept-encoding"],
		"Accept-Language": h.preset.Headers["accept-language"],
	}
	for _, k := range []string{"sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform"} {
		if v, ok := h.preset.Headers[k]; ok {
			headers[k] = v
		}
	}
	h.ApplyToHeaders(headers, XHRContext(referrer, targetURL))
	return headers
}

// ApplyPresetHeaders layers this preset's navigation header set onto
// req.Header without clobbering any header the caller already set more
// specifically. It sets no wire order: req.Header is net/http's unordered
// map, and HeaderOrder() is not consulted here.
func (h *HeaderCoherence) ApplyPresetHeaders(req *http.Request) {
	generated := h.GenerateNavigationHeaders()
	for k, v := range generated {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
}

// HeaderOrder returns the wire order this preset expects for the header
// set ApplyPresetHeaders writes.
func (h *HeaderCoherence) HeaderOrder() []string {
	return h.preset.HeaderOrder
}
