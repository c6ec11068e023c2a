// Package fetcher retrieves remote URL content for ingestion. Every fetch is
// guarded against SSRF: target addresses are resolved and validated before
// any connection, redirects are followed manually with re-validation at each
// hop, and body size and wall-clock time are capped.
package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// deniedHostnames are rejected before any DNS resolution. Covers the usual
// localhost spellings; resolved-address checks catch the rest.
var deniedHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
}

// deniedV4Ranges are the IPv4 CIDR blocks a fetch may never target.
var deniedV4Ranges = mustParseCIDRs(
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // private
	"172.16.0.0/12",  // private
	"192.168.0.0/16", // private
	"169.254.0.0/16", // link-local, incl. cloud metadata 169.254.169.254
	"100.64.0.0/10",  // CGNAT
	"0.0.0.0/32",     // unspecified
)

// deniedV6Ranges are the IPv6 CIDR blocks a fetch may never target.
var deniedV6Ranges = mustParseCIDRs(
	"::1/128",   // loopback
	"fe80::/10", // link-local
	"fc00::/7",  // unique-local
	"fec0::/10", // deprecated site-local
	"::/128",    // unspecified
)

// mustParseCIDRs parses the given CIDR strings, panicking on programmer error.
func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("fetcher: bad built-in CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// resolver allows tests to substitute DNS resolution.
type resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ValidateURL parses raw and checks it against the SSRF policy: scheme must
// be http or https, the hostname must not be denylisted, and every resolved
// address must fall outside the denied ranges. Returns the parsed URL.
func (f *Fetcher) ValidateURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("fetcher: invalid URL %q: %w", raw, err)
	}
	return u, f.validateParsed(ctx, u)
}

// validateParsed applies the SSRF policy to an already-parsed URL.
func (f *Fetcher) validateParsed(ctx context.Context, u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("fetcher: scheme %q not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("fetcher: URL has no host")
	}
	if deniedHostnames[host] || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("fetcher: host %q is denied", host)
	}

	// Literal IPs skip DNS; hostnames are resolved and every address checked
	// so a split-horizon DNS answer cannot smuggle in a private target.
	if ip := net.ParseIP(host); ip != nil {
		if f.allowLoopback && ip.IsLoopback() {
			return nil
		}
		return checkIP(ip)
	}

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("fetcher: resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("fetcher: host %q resolved to no addresses", host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return err
		}
	}
	return nil
}

// checkIP rejects addresses inside any denied range.
func checkIP(ip net.IP) error {
	if v4 := ip.To4(); v4 != nil {
		for _, n := range deniedV4Ranges {
			if n.Contains(v4) {
				return fmt.Errorf("fetcher: address %s is in denied range %s", ip, n)
			}
		}
		return nil
	}
	for _, n := range deniedV6Ranges {
		if n.Contains(ip) {
			return fmt.Errorf("fetcher: address %s is in denied range %s", ip, n)
		}
	}
	return nil
}
