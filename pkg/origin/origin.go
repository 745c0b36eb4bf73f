// Package origin decides whether a browser page may open a connection,
// based on the host of its Origin header and a wildcard whitelist.
package origin

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// Pattern is one compiled whitelist entry.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// String returns the pattern as configured.
func (p Pattern) String() string { return p.raw }

// Match reports whether host matches the pattern. Matching is
// case-insensitive and anchored at both ends.
func (p Pattern) Match(host string) bool { return p.re.MatchString(host) }

// Compile turns a wildcard pattern into a Pattern. '*' matches any run of
// characters, including none; everything else is literal.
func Compile(pattern string) Pattern {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return Pattern{
		raw: pattern,
		re:  regexp.MustCompile("(?i)^" + strings.Join(parts, ".*") + "$"),
	}
}

// Whitelist is an ordered list of patterns; the first match wins.
type Whitelist []Pattern

// Parse reads a comma separated whitelist. Blank entries are skipped.
func Parse(csv string) Whitelist {
	var wl Whitelist
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		wl = append(wl, Compile(p))
	}
	return wl
}

// Patterns returns the configured pattern strings in order.
func (w Whitelist) Patterns() []string {
	out := make([]string, 0, len(w))
	for _, p := range w {
		out = append(out, p.raw)
	}
	return out
}

// Match returns the first pattern matching the origin's host.
func (w Whitelist) Match(origin string) (Pattern, bool) {
	host, ok := Hostname(origin)
	if !ok {
		return Pattern{}, false
	}
	for _, p := range w {
		if p.Match(host) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Allows reports whether a page served from origin may connect. An empty
// whitelist allows nothing.
func (w Whitelist) Allows(origin string) bool {
	_, ok := w.Match(origin)
	return ok
}

// IsAllowed is Allows for a whitelist given as raw pattern strings.
func IsAllowed(origin string, patterns []string) bool {
	return Parse(strings.Join(patterns, ",")).Allows(origin)
}

// Hostname extracts the lower-cased host of an Origin header value, without
// port or trailing dot. Opaque origins ("null"), missing hosts and names that
// are not syntactically valid DNS names are refused.
func Hostname(origin string) (string, bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	if _, ok := dns.IsDomainName(host); !ok {
		return "", false
	}
	return strings.TrimSuffix(dns.CanonicalName(host), "."), true
}
