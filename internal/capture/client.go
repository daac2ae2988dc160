package capture

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// pinnedClient builds an HTTP client that dials the validated,
// pre-resolved addresses for host instead of re-resolving it. The
// hostname itself is untouched, so TLS verification and the Host
// header still use it. Dialing any other host (a redirect target)
// resolves normally.
//
// Pinning closes the DNS-rebinding window: the name was checked
// against the address denylist at validation time and must not be
// resolved a second time for the real request.
func pinnedClient(host string, pins []netip.Addr, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialHost, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			if len(pins) == 0 || dialHost != host {
				return dialer.DialContext(ctx, network, addr)
			}

			var firstErr error
			for _, ip := range pins {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				if firstErr == nil {
					firstErr = err
				}
			}
			return nil, firstErr
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
