// Package hostname canonicalizes host and URL strings into the bare,
// lowercase hostname used as the join key across every dataset.
package hostname

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Normalize returns the lowercase bare hostname for s, with no scheme,
// port, path, query or trailing dot. Unusable input yields "".
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(s string) string {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return ""
	}

	host := ""
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			host = u.Hostname()
		}
	}
	if host == "" {
		host = stripScheme(raw)
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		if i := strings.LastIndexByte(host, '@'); i >= 0 {
			host = host[i+1:]
		}
		host = stripPort(strings.TrimRight(host, "."))
	}

	host = strings.TrimSpace(host)
	host = strings.Trim(host, "[]")
	host = strings.TrimRight(host, ".")
	if host == "" || strings.ContainsAny(host, " \t\r\n/\\") {
		return ""
	}
	// A colon left over is an unparseable port unless host is an IPv6 literal.
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return ""
	}

	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		host = ascii
	}
	return strings.ToLower(host)
}

func stripScheme(s string) string {
	if _, rest, ok := strings.Cut(s, "://"); ok {
		return rest
	}
	return s
}

// stripPort drops a trailing numeric :port. Bare IPv6 literals have more
// than one colon and are left alone.
func stripPort(s string) string {
	i := strings.LastIndexByte(s, ':')
	if i < 0 || strings.Count(s, ":") > 1 && !strings.HasPrefix(s, "[") {
		return s
	}
	port := s[i+1:]
	if port == "" {
		return s[:i]
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return s
		}
	}
	return s[:i]
}

// SameZone reports whether a and b are the same host or one is a
// subdomain of the other (example.org and social.example.org).
func SameZone(a, b string) bool {
	a, b = Normalize(a), Normalize(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	return strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}

// PublicSuffix returns the public suffix of host ("co.uk", "social", "tk").
func PublicSuffix(host string) string {
	suffix, _ := publicsuffix.PublicSuffix(Normalize(host))
	return suffix
}

// TLD returns the last label of host.
func TLD(host string) string {
	h := Normalize(host)
	if i := strings.LastIndexByte(h, '.'); i >= 0 {
		return h[i+1:]
	}
	return h
}

// Labels splits host into its dot-separated labels.
func Labels(host string) []string {
	h := Normalize(host)
	if h == "" {
		return nil
	}
	return strings.Split(h, ".")
}

// Set is an immutable collection of normalized hosts.
type Set map[string]struct{}

// NewSet normalizes and collects hosts, dropping empty keys.
func NewSet(hosts ...string) Set {
	s := make(Set, len(hosts))
	for _, h := range hosts {
		if n := Normalize(h); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Has reports whether host, after normalization, is in the set.
func (s Set) Has(host string) bool {
	_, ok := s[Normalize(host)]
	return ok
}
