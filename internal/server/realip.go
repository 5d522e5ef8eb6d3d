package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ErrTooManyForwardedHeaders rejects requests carrying more than one
// X-Forwarded-For header, which no honest proxy chain produces.
var ErrTooManyForwardedHeaders = errors.New("server: too many X-Forwarded-For headers")

// IPResolver resolves a request's origin address, discarding hops added by
// trusted proxies.
type IPResolver struct {
	trusted []netip.Prefix
}

// NewIPResolver builds a resolver from trusted proxy addresses or CIDR
// networks. Malformed entries are a configuration error.
func NewIPResolver(trustedProxies []string) (*IPResolver, error) {
	trusted := make([]netip.Prefix, 0, len(trustedProxies))
	for _, e := range trustedProxies {
		if addr, err := netip.ParseAddr(e); err == nil {
			trusted = append(trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		pfx, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("server: trusted proxy %q: %w", e, err)
		}
		trusted = append(trusted, pfx)
	}
	return &IPResolver{trusted: trusted}, nil
}

// Origin returns the caller's address: the first X-Forwarded-For entry that
// is not a trusted proxy, or the socket remote address when the header is
// absent or lists only trusted hops. An unparsable entry or a duplicated
// header is an error the caller maps to a bad-request outcome.
func (ipr *IPResolver) Origin(r *http.Request) (netip.Addr, error) {
	headers := r.Header.Values("X-Forwarded-For")
	if len(headers) > 1 {
		return netip.Addr{}, ErrTooManyForwardedHeaders
	}
	if len(headers) == 1 {
		for _, entry := range strings.Split(headers[0], ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return netip.Addr{}, fmt.Errorf("server: invalid X-Forwarded-For entry %q", entry)
			}
			if ipr.isTrusted(addr) {
				continue
			}
			return addr, nil
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("server: remote address %q: %w", r.RemoteAddr, err)
	}
	return addr, nil
}

func (ipr *IPResolver) isTrusted(addr netip.Addr) bool {
	for _, pfx := range ipr.trusted {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}
