// Package ssrf validates outbound request targets so tools that fetch
// URLs on the model's behalf cannot be steered at internal services:
// loopback, RFC 1918 ranges, link-local (including cloud metadata),
// carrier-grade NAT, and hostnames that name internal resources.
package ssrf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// BlockedError marks a target rejected by policy rather than by a
// network failure.
type BlockedError struct {
	Target string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked %s: %s", e.Target, e.Reason)
}

// Hostnames rejected outright, before any resolution.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// Suffixes that name internal resources regardless of what they
// resolve to.
var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// normalizeHostname trims whitespace and trailing dots, lowercases,
// and unwraps IPv6 brackets.
func normalizeHostname(hostname string) string {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	normalized = strings.TrimSuffix(normalized, ".")
	if strings.HasPrefix(normalized, "[") && strings.HasSuffix(normalized, "]") {
		normalized = normalized[1 : len(normalized)-1]
	}
	return normalized
}

// IsBlockedHostname reports whether a hostname is rejected by name
// alone.
func IsBlockedHostname(hostname string) bool {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return false
	}
	if blockedHostnames[normalized] {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// IsPrivateIP reports whether ip is private, loopback, link-local,
// multicast, unspecified, or carrier-grade NAT. IPv4-mapped IPv6
// addresses are judged as their IPv4 form.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		// 100.64.0.0/10, carrier-grade NAT.
		return v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127
	}
	return false
}

// ValidateHostname rejects hostnames that are blocked by name, are
// private-address literals, or resolve to a private address. A name
// that does not resolve passes: it may still resolve through a proxy,
// and the request itself fails cleanly if not.
func ValidateHostname(hostname string) error {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return &BlockedError{Target: hostname, Reason: "empty hostname"}
	}
	if IsBlockedHostname(normalized) {
		return &BlockedError{Target: hostname, Reason: "internal hostname"}
	}
	if ip := net.ParseIP(normalized); ip != nil {
		if IsPrivateIP(ip) {
			return &BlockedError{Target: hostname, Reason: "private or reserved address"}
		}
		return nil
	}
	ips, err := net.LookupIP(normalized)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return &BlockedError{Target: hostname, Reason: "resolves to a private or reserved address"}
		}
	}
	return nil
}

// ValidateURL rejects URLs that could reach internal services:
// non-http schemes, blocked hostnames, and targets in private ranges.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	return ValidateHostname(hostname)
}
