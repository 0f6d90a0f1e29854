// Package websearch implements the network tools: webSearch over SearXNG,
// Brave or DuckDuckGo, and webFetch with readable-text extraction. Every
// outbound connection passes an SSRF guard that refuses private, loopback
// and link-local addresses at dial time, so DNS answers cannot bypass it.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned when a URL targets a non-public address.
var ErrBlockedAddress = errors.New("address is not publicly routable")

const maxRedirects = 5

// ValidateURL checks the scheme and host of raw. Literal addresses and
// localhost names are rejected here; resolved names are checked on dial.
func ValidateURL(raw string, allowPrivate bool) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("URL scheme must be http or https, got: %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("URL must have a hostname")
	}
	if allowPrivate {
		return parsed, nil
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && blocked(addr) {
		return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return parsed, nil
}

// blocked reports whether addr is loopback, private, link-local,
// multicast or unspecified. IPv4-mapped IPv6 addresses are unmapped first.
func blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// NewHTTPClient returns a client whose dialer enforces the guard and whose
// redirects are re-validated.
func NewHTTPClient(timeout time.Duration, allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !allowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
			}
			if blocked(addr) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
			}
			return nil
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, address)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			_, err := ValidateURL(req.URL.String(), allowPrivate)
			return err
		},
	}
}
