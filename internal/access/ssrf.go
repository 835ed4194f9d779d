package access

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ssrf.go vets outbound URLs for web_fetch.
//
// The hostname is checked after DNS-agnostic parsing; callers that resolve
// DNS must re-check the resolved address with AddrBlocked before connecting.

var blockedHosts = map[string]bool{
	"localhost":                true,
	"0.0.0.0":                  true,
	"metadata.google.internal": true,
}

// CheckURL rejects non-http(s) schemes, loopback/private/link-local literals
// and known metadata hosts. Returns the parsed URL on success.
func CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("BLOCKED: scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("invalid URL: missing host")
	}
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("BLOCKED: host %q not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil && ipBlocked(ip) {
		return nil, fmt.Errorf("BLOCKED: address %s not allowed", ip)
	}
	return u, nil
}

// AddrBlocked reports whether a resolved address must not be dialed.
func AddrBlocked(ip net.IP) bool { return ipBlocked(ip) }

func ipBlocked(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
