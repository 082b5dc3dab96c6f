package forward

import (
	"net/http"
	"strings"
)

// responseDropHeaders are removed from upstream responses before relay.
var responseDropHeaders = []string{"Connection", "Transfer-Encoding"}

// HeaderPolicy decides which caller headers reach the upstream.
type HeaderPolicy struct {
	excluded []string
}

// NewHeaderPolicy excludes host, connection, content-length and the gateway's own credential headers.
func NewHeaderPolicy(apiKeyHeader, authHeader string) HeaderPolicy {
	excluded := []string{"Host", "Connection", "Content-Length"}
	for _, name := range []string{apiKeyHeader, authHeader} {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			excluded = append(excluded, trimmed)
		}
	}
	return HeaderPolicy{excluded: excluded}
}

func (p HeaderPolicy) isExcluded(name string) bool {
	for _, excluded := range p.excluded {
		if strings.EqualFold(name, excluded) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of h without excluded headers. Keys are matched case-insensitively,
// including keys that were stored without canonicalization.
func (p HeaderPolicy) Sanitize(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if p.isExcluded(name) {
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		out[name] = copied
	}
	return out
}

// CredentialHeaderValue is the final value written under headerName for a decrypted credential.
//
//	headerName      value has Bearer/Basic scheme   result
//	Authorization   no                              "Bearer " + value
//	Authorization   yes                             value
//	other           either                          value
func CredentialHeaderValue(headerName, value string) string {
	if !strings.EqualFold(strings.TrimSpace(headerName), "Authorization") {
		return value
	}
	if hasAuthScheme(value) {
		return value
	}
	return "Bearer " + value
}

func hasAuthScheme(value string) bool {
	lower := strings.ToLower(value)
	return strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "basic ")
}

// copyResponseHeaders copies src into dst, dropping connection-level headers.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		drop := false
		for _, d := range responseDropHeaders {
			if strings.EqualFold(name, d) {
				drop = true
				break
			}
		}
		if drop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// JoinURL joins base and path, collapsing repeated slashes outside the scheme separator.
func JoinURL(base, path string) string {
	joined := base + "/" + path
	prefix := ""
	if idx := strings.Index(joined, "://"); idx >= 0 {
		prefix = joined[:idx+3]
		joined = joined[idx+3:]
	}
	var b strings.Builder
	b.Grow(len(prefix) + len(joined))
	b.WriteString(prefix)
	prevSlash := false
	for i := 0; i < len(joined); i++ {
		c := joined[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}
