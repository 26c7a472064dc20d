// Package headers implements the hop-by-hop stripping, forwarded-header
// injection and host-rewrite rules applied to every proxied request and
// response.
package headers

import (
	"net/http"
	"strconv"
	"strings"
)

// HopByHop is the set of headers that apply only to a single transport hop
// and must never be forwarded (RFC 7230 §6.1).
var HopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// WebSocketUpgradeStrip is stripped, in addition to HopByHop, from the
// upgrade request handed to the backend: the tunnel's own WebSocket client
// regenerates these.
var WebSocketUpgradeStrip = map[string]bool{
	"sec-websocket-accept":     true,
	"sec-websocket-extensions": true,
	"sec-websocket-key":        true,
	"sec-websocket-protocol":   true,
	"sec-websocket-version":    true,
}

// StripHopByHop returns a copy of src with hop-by-hop headers (and, when
// ws is true, the WebSocket upgrade-negotiation headers) removed and every
// remaining header name lowercased.
func StripHopByHop(src http.Header, ws bool) http.Header {
	out := make(http.Header, len(src))
	for name, values := range src {
		lower := strings.ToLower(name)
		if HopByHop[lower] {
			continue
		}
		if ws && WebSocketUpgradeStrip[lower] {
			continue
		}
		out[lower] = append([]string(nil), values...)
	}
	return out
}

// Remove deletes every header in names (case-insensitive) from h.
func Remove(h http.Header, names []string) {
	for _, name := range names {
		for key := range h {
			if strings.EqualFold(key, name) {
				delete(h, key)
			}
		}
	}
}

// AddPairs appends each (name, value) pair in pairs to h, preserving order
// and allowing duplicates, matching an ordered add_headers list.
func AddPairs(h http.Header, pairs []NameValue) {
	for _, p := range pairs {
		key := strings.ToLower(p.Name)
		h[key] = append(h[key], p.Value)
	}
}

// NameValue is an ordered header name/value pair.
type NameValue struct {
	Name  string
	Value string
}

// ApplyForwarded injects x-forwarded-for/proto/host: for/appends to an
// existing value, proto/overwrites based on inboundScheme, host is set
// from the inbound Host header only when present.
func ApplyForwarded(h http.Header, remoteIP, inboundScheme, inboundHost string) {
	const (
		xff = "x-forwarded-for"
		xfp = "x-forwarded-proto"
		xfh = "x-forwarded-host"
	)
	// Fold raw lowercase keys (as StripHopByHop produces) into the canonical
	// keys Get/Set use, so an inbound value is found and appended to or
	// overwritten rather than left beside a second header.
	for _, name := range []string{xff, xfp, xfh} {
		if v, ok := h[name]; ok {
			delete(h, name)
			canon := http.CanonicalHeaderKey(name)
			h[canon] = append(h[canon], v...)
		}
	}
	if remoteIP != "" {
		if prior := h.Get(xff); prior != "" {
			h.Set(xff, prior+", "+remoteIP)
		} else {
			h.Set(xff, remoteIP)
		}
	}

	proto := "http"
	if inboundScheme == "https" {
		proto = "https"
	}
	h.Set(xfp, proto)

	if inboundHost != "" {
		h.Set(xfh, inboundHost)
	}
}

// defaultPort returns the scheme's default port, used to decide whether the
// rewritten host header needs an explicit ":port" suffix.
func defaultPort(scheme string) int {
	switch scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

// RewriteHost removes every inbound host header and appends exactly one
// host header reflecting cfg.Host[:cfg.Port], omitting the port suffix when
// it matches the scheme default.
func RewriteHost(h http.Header, scheme, host string, port int) {
	delete(h, "host")
	if port == defaultPort(scheme) {
		h.Set("host", host)
	} else {
		h.Set("host", host+":"+strconv.Itoa(port))
	}
}
