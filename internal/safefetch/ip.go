// Package safefetch implements the hub's outbound HTTP path for
// browser-relayed fetches. Every request is validated against SSRF rules:
// private, loopback and link-local destinations are refused, redirects are
// followed manually with each hop re-validated, and both request and
// response bodies are size-capped.
package safefetch

import (
	"net/netip"
	"strings"
)

// BlockedError is returned when a URL, hostname or address is refused by
// the fetch policy.
type BlockedError struct {
	Message string
}

func (e *BlockedError) Error() string { return e.Message }

func blocked(message string) *BlockedError {
	return &BlockedError{Message: message}
}

// blockedHostnames are always refused regardless of resolution.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// dangerousSuffixes mark hostnames that name internal resources.
var dangerousSuffixes = []string{".localhost", ".local", ".internal"}

// normalizeHostname lowercases, trims, strips a trailing dot, and unwraps
// IPv6 brackets.
func normalizeHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

// IsBlockedHostname reports whether a hostname is refused by name alone.
func IsBlockedHostname(hostname string) bool {
	h := normalizeHostname(hostname)
	if h == "" {
		return false
	}
	if blockedHostnames[h] {
		return true
	}
	for _, suffix := range dangerousSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

// IsPrivateAddr reports whether an address is private, loopback,
// link-local, carrier-grade NAT, or otherwise non-public. IPv4-mapped IPv6
// addresses are unmapped before the check.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	if addr.IsPrivate() {
		return true
	}
	if addr.Is4() {
		b := addr.As4()
		// 100.64.0.0/10 carrier-grade NAT
		if b[0] == 100 && b[1] >= 64 && b[1] <= 127 {
			return true
		}
		// 0.0.0.0/8 current network
		if b[0] == 0 {
			return true
		}
		return false
	}
	// fc00::/7 unique local, fec0::/10 deprecated site-local
	b := addr.As16()
	if b[0]&0xfe == 0xfc {
		return true
	}
	if b[0] == 0xfe && b[1]&0xc0 == 0xc0 {
		return true
	}
	return false
}

// IsPrivateIPAddress reports whether the string parses as an IP address
// that IsPrivateAddr refuses. Non-addresses return false.
func IsPrivateIPAddress(address string) bool {
	h := normalizeHostname(address)
	if h == "" {
		return false
	}
	addr, err := netip.ParseAddr(h)
	if err != nil {
		return false
	}
	return IsPrivateAddr(addr)
}
