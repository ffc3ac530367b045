// Package networking provides the outbound HTTP plumbing for fetching key
// directories: an SSRF-guarded client with pinned DNS resolution and
// size-capped response reads.
package networking

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

var privateIPBlocks []*net.IPNet

// DefaultTimeout is the default deadline for outgoing fetches.
const DefaultTimeout = 3 * time.Second

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressBlocked returns an error if the host:port address references a
// loopback, link-local or private IP address.
func AddressBlocked(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if isPrivateIP(ip) {
		return fmt.Errorf("address %s resolves to a blocked IP range", address)
	}
	return nil
}

// Dialer control function re-validating addresses immediately before connect.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressBlocked(address)
}

// ValidatingTransport rejects request URLs before any connection is made.
type ValidatingTransport struct {
	Transport http.RoundTripper

	// AllowPlaintextHTTP permits http:// URLs. Development only.
	AllowPlaintextHTTP bool
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	parsed, err := url.Parse(req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("the supplied URL %s is malformed", req.URL.String())
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !t.AllowPlaintextHTTP {
			return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.String())
		}
	default:
		return nil, fmt.Errorf("the supplied URL %s has an unsupported scheme", req.URL.String())
	}

	return t.Transport.RoundTrip(req)
}

// pinnedDialContext resolves the host once, pins the first resolved address,
// validates it against the block list and dials only that address. The dialer
// Control hook rechecks the literal address at connect time.
func pinnedDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	var ip net.IP
	if literal := net.ParseIP(host); literal != nil {
		ip = literal
	} else {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("dns resolution for %s failed: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("dns resolution for %s returned no addresses", host)
		}
		ip = addrs[0].IP
	}

	if isPrivateIP(ip) {
		return nil, fmt.Errorf("host %s resolves to a blocked IP range", host)
	}

	dialer := &net.Dialer{Control: protectedDialerControl}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

// ClientBuilder provides a fluent interface for building outbound HTTP clients.
type ClientBuilder struct {
	clientTimeout       time.Duration
	tlsHandshakeTimeout time.Duration
	allowPrivate        bool
	allowPlaintextHTTP  bool
}

// NewClientBuilder returns a new ClientBuilder.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		clientTimeout:       DefaultTimeout,
		tlsHandshakeTimeout: 2 * time.Second,
	}
}

// WithTimeout sets the overall client timeout.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.clientTimeout = d
	return b
}

// WithPrivateIPs allows connections to private IP addresses. Used by tests
// and local development against loopback directories.
func (b *ClientBuilder) WithPrivateIPs(allow bool) *ClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithPlaintextHTTP allows http:// URLs. Used by tests and local development.
func (b *ClientBuilder) WithPlaintextHTTP(allow bool) *ClientBuilder {
	b.allowPlaintextHTTP = allow
	return b
}

// Build creates the configured HTTP client.
func (b *ClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout: b.tlsHandshakeTimeout,
	}

	if b.allowPrivate {
		transport.DialContext = (&net.Dialer{}).DialContext
	} else {
		transport.DialContext = pinnedDialContext
	}

	client := &http.Client{
		Transport: &ValidatingTransport{
			Transport:          transport,
			AllowPlaintextHTTP: b.allowPlaintextHTTP,
		},
		Timeout: b.clientTimeout,
	}

	return client, nil
}
