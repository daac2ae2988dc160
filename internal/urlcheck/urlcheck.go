// Package urlcheck classifies URLs as safe or unsafe for outbound
// fetching, guarding against SSRF. Hostnames are resolved at check
// time and the resolved addresses are returned so the actual request
// can be pinned to one of them, closing the DNS-rebinding window.
package urlcheck

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Non-routable and special-use ranges that outbound requests must
// never reach.
var blockedRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),         // Private Class A
	netip.MustParsePrefix("172.16.0.0/12"),      // Private Class B
	netip.MustParsePrefix("192.168.0.0/16"),     // Private Class C
	netip.MustParsePrefix("127.0.0.0/8"),        // Loopback
	netip.MustParsePrefix("169.254.0.0/16"),     // Link-local
	netip.MustParsePrefix("0.0.0.0/8"),          // Current network
	netip.MustParsePrefix("100.64.0.0/10"),      // Carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),       // IETF Protocol Assignments
	netip.MustParsePrefix("192.0.2.0/24"),       // TEST-NET-1
	netip.MustParsePrefix("198.51.100.0/24"),    // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),     // TEST-NET-3
	netip.MustParsePrefix("224.0.0.0/4"),        // Multicast
	netip.MustParsePrefix("240.0.0.0/4"),        // Reserved
	netip.MustParsePrefix("255.255.255.255/32"), // Broadcast
	netip.MustParsePrefix("::1/128"),            // IPv6 loopback
	netip.MustParsePrefix("fc00::/7"),           // IPv6 unique local
	netip.MustParsePrefix("fe80::/10"),          // IPv6 link-local
	netip.MustParsePrefix("ff00::/8"),           // IPv6 multicast
}

var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"localhost.localdomain":    {},
	"metadata.google.internal": {},
	"metadata":                 {},
	"instance-data":            {},
}

// Substrings identifying cloud metadata endpoints.
var blockedHostPatterns = []string{
	"169.254.169.254",
	"metadata.google",
	"metadata.azure",
}

// Ports of internal services that are never legitimate HTTP targets.
var blockedPorts = map[int]struct{}{
	22:    {}, // SSH
	23:    {}, // Telnet
	25:    {}, // SMTP
	445:   {}, // SMB
	3306:  {}, // MySQL
	5432:  {}, // PostgreSQL
	6379:  {}, // Redis
	27017: {}, // MongoDB
	8006:  {}, // Proxmox
}

// Result is the outcome of validating one URL. ResolvedIPs holds the
// addresses the hostname resolved to at check time; callers must pin
// the real connection to one of them.
type Result struct {
	Safe        bool
	Reason      string
	ResolvedIPs []netip.Addr
}

// Resolver is the subset of net.Resolver used for hostname lookups.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator decides whether a URL is a permissible outbound target.
type Validator struct {
	resolver Resolver
	log      *slog.Logger
}

// New creates a Validator using the default DNS resolver.
func New(log *slog.Logger) *Validator {
	return &Validator{resolver: net.DefaultResolver, log: log}
}

// NewWithResolver creates a Validator with a custom resolver (useful
// for testing).
func NewWithResolver(resolver Resolver, log *slog.Logger) *Validator {
	return &Validator{resolver: resolver, log: log}
}

// Validate checks rawURL against the scheme, hostname, address range
// and port denylists. Hostnames are resolved over both address
// families and every resolved address must pass.
//
// DNS resolution failure does not reject the URL: a transient
// resolver hiccup must not block a legitimate target, and the real
// fetch will fail on its own if the host is unreachable. The URL is
// admitted with no pinned addresses in that case.
func (v *Validator) Validate(ctx context.Context, rawURL string) Result {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Result{Reason: "invalid URL format"}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Result{Reason: "invalid scheme: " + parsed.Scheme + ", only HTTP(S) allowed"}
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return Result{Reason: "invalid URL: no hostname"}
	}

	if _, ok := blockedHostnames[hostname]; ok {
		return Result{Reason: "blocked hostname: " + hostname}
	}
	for _, pattern := range blockedHostPatterns {
		if strings.Contains(hostname, pattern) {
			return Result{Reason: "blocked hostname pattern: " + hostname}
		}
	}

	var resolved []netip.Addr
	if addr, err := netip.ParseAddr(hostname); err == nil {
		if IsBlockedAddr(addr) {
			return Result{Reason: "blocked IP range: " + hostname}
		}
		resolved = []netip.Addr{addr}
	} else {
		addrs, err := v.resolver.LookupNetIP(ctx, "ip", hostname)
		if err != nil {
			// Soft-fail: admit with no pins, see doc comment.
			v.log.Warn("could not resolve hostname", "host", hostname)
		} else {
			for _, addr := range addrs {
				if IsBlockedAddr(addr) {
					v.log.Warn("url resolves to blocked address",
						"url", rawURL, "host", hostname, "ip", addr.String())
					return Result{Reason: "hostname resolves to blocked IP range"}
				}
				resolved = append(resolved, addr)
			}
		}
	}

	if port := parsed.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return Result{Reason: "invalid port: " + port}
		}
		if _, ok := blockedPorts[n]; ok {
			return Result{Reason: "blocked port: " + port}
		}
	}

	return Result{Safe: true, ResolvedIPs: resolved}
}

// IsBlockedAddr reports whether addr falls in a blocked range.
// IPv4-mapped IPv6 addresses are checked in their IPv4 form.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range blockedRanges {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
