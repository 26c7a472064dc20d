// Package pathrewrite applies the strip-prefix / backend-prefix path
// rewrite rule to an inbound request path.
package pathrewrite

import "strings"

// Rewrite strips stripPrefix from path (exactly once, at position 0, only
// if present), then prepends pathPrefix, joining with a single slash, and
// ensures the result begins with "/". query is reattached verbatim with a
// leading "?" unless empty.
func Rewrite(path, stripPrefix, pathPrefix, query string) string {
	if stripPrefix != "" && strings.HasPrefix(path, stripPrefix) {
		path = strings.TrimPrefix(path, stripPrefix)
	}

	if pathPrefix != "" {
		path = joinOneSlash(pathPrefix, path)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if query != "" {
		path += "?" + query
	}
	return path
}

// joinOneSlash joins a and b with exactly one "/" between them.
func joinOneSlash(a, b string) string {
	aHasSlash := strings.HasSuffix(a, "/")
	bHasSlash := strings.HasPrefix(b, "/")
	switch {
	case aHasSlash && bHasSlash:
		return a + b[1:]
	case aHasSlash || bHasSlash:
		return a + b
	default:
		return a + "/" + b
	}
}

// NormalizePrefix trims whitespace and a single trailing slash from a
// configured path_prefix/strip_path value, returning "" when the result is
// empty (the "absent" case, meaning no prefix configured).
func NormalizePrefix(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "/")
	return s
}
