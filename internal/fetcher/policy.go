package fetcher

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/sells-group/dealerscope/internal/resilience"
)

// Resolver looks up the addresses of a host. net.DefaultResolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

var dialer = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

// URLPolicy validates fetch targets before any network call.
type URLPolicy struct {
	Resolver Resolver

	// allowLoopback lets in-package tests reach httptest servers.
	allowLoopback bool
}

// NewURLPolicy creates a URLPolicy backed by the system resolver.
func NewURLPolicy() *URLPolicy {
	return &URLPolicy{Resolver: net.DefaultResolver}
}

// Check rejects rawURL unless it is http(s), its host is covered by
// allowed, and every address it resolves to is public. An empty allowlist
// rejects everything.
func (p *URLPolicy) Check(ctx context.Context, rawURL string, allowed []string) (*url.URL, error) {
	u, err := p.checkPublic(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !DomainAllowed(u.Hostname(), allowed) {
		return nil, resilience.NewPolicyError("domain not allowed", rawURL)
	}
	return u, nil
}

// checkPublic applies the scheme and address checks without the allowlist.
func (p *URLPolicy) checkPublic(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, resilience.NewPolicyError("malformed url", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, resilience.NewPolicyError("scheme not allowed", rawURL)
	}
	host := u.Hostname()
	if host == "" {
		return nil, resilience.NewPolicyError("missing host", rawURL)
	}
	if u.User != nil {
		return nil, resilience.NewPolicyError("credentials in url", rawURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !p.publicAddr(addr) {
			return nil, resilience.NewPolicyError("private address", rawURL)
		}
		return u, nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		if !p.allowLoopback {
			return nil, resilience.NewPolicyError("private address", rawURL)
		}
		return u, nil
	}

	addrs, err := p.resolver().LookupIPAddr(ctx, host)
	if err != nil {
		return nil, resilience.NewPolicyError("unresolvable host", rawURL)
	}
	if len(addrs) == 0 {
		return nil, resilience.NewPolicyError("unresolvable host", rawURL)
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok || !p.publicAddr(addr) {
			return nil, resilience.NewPolicyError("private address", rawURL)
		}
	}
	return u, nil
}

func (p *URLPolicy) resolver() Resolver {
	if p.Resolver == nil {
		return net.DefaultResolver
	}
	return p.Resolver
}

// DialContext resolves the host again at connect time and dials only
// public addresses, so a name that rebinds to a private address after
// Check is still refused. Refusals are marked as never sent.
func (p *URLPolicy) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, resilience.NewPolicyError("malformed dial address", address)
	}

	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = append(addrs, a.Unmap())
	} else {
		ips, err := p.resolver().LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			if a, ok := netip.AddrFromSlice(ip.IP); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, &notSentError{err: resilience.NewPolicyError("unresolvable host", address)}
	}
	for _, a := range addrs {
		if !p.publicAddr(a) {
			return nil, &notSentError{err: resilience.NewPolicyError("private address at dial", address)}
		}
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *URLPolicy) publicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return p.allowLoopback
	}
	if addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() || addr.IsMulticast() || addr.IsInterfaceLocalMulticast() {
		return false
	}
	if addr.Is4() && cgnat.Contains(addr) {
		return false
	}
	return true
}

// DomainAllowed reports whether host equals or is a subdomain of an entry
// in allowed.
func DomainAllowed(host string, allowed []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, d := range allowed {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
