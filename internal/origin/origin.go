// Package origin decides which browser Origins may open control-channel
// WebSockets. Non-browser clients send no Origin header and are not this
// package's concern.
package origin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Policy is an Origin allowlist. The zero value allows same-host origins
// only, which fits a relay that serves its own web client.
type Policy struct {
	allowed []string
}

// NewPolicy builds a Policy from configured entries. Each entry must be "*"
// or an http(s) origin; entries are normalized so later comparisons are
// exact string matches.
func NewPolicy(entries []string) (Policy, error) {
	var p Policy
	for _, entry := range entries {
		if entry == "*" {
			p.allowed = append(p.allowed, entry)
			continue
		}
		norm, _, ok := normalize(entry)
		if !ok || norm == "null" {
			return Policy{}, fmt.Errorf("invalid allowed origin %q", entry)
		}
		p.allowed = append(p.allowed, norm)
	}
	return p, nil
}

// Allow reports whether the given Origin header may reach the given request
// host. With no configured entries the origin's host must equal the request
// host, default ports treated as equivalent. Scheme is deliberately not
// compared: behind a TLS-terminating proxy the request looks like HTTP while
// the browser Origin is HTTPS.
func (p Policy) Allow(originHeader, requestHost string) bool {
	norm, originHost, ok := normalize(originHeader)
	if !ok {
		return false
	}

	if len(p.allowed) > 0 {
		for _, allowed := range p.allowed {
			if allowed == "*" || allowed == norm {
				return true
			}
		}
		return false
	}

	// "null" (sandboxed iframes, file://) never matches a host.
	if norm == "null" {
		return false
	}
	scheme := "http"
	if strings.HasPrefix(norm, "https://") {
		scheme = "https"
	}
	_, reqHost, ok := normalize(scheme + "://" + strings.TrimSpace(requestHost))
	if !ok {
		return false
	}
	return originHost == reqHost
}

// normalize validates an Origin value and reduces it to a canonical
// scheme://host[:port] form, dropping default ports. The special value
// "null" passes through.
func normalize(raw string) (norm, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}
	port := u.Port()
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		// IPv6 literal; keep the bracketed authority form.
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, host, true
}
