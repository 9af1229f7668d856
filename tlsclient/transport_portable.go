package tlsclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	xproxy "golang.org/x/net/proxy"
)

// portableTransport is the RoundTripper behind BackendPortable.
//
// Go's crypto/tls has a distinctive ClientHello that some TLS terminators
// and fingerprint-filtering middleboxes reject outright; those rejections
// look like handshake failures and are precisely what the fallback walk is
// for. This transport handshakes through uTLS with a Chrome-like hello and
// lets ALPN negotiate h2 or http/1.1 naturally: HTTP/2 framing is tried
// first, with an HTTP/1.1 fallback for servers that never negotiate h2.
type portableTransport struct {
	h2 *http2.Transport
	h1 *http.Transport
}

// newPortableTransport builds the uTLS-backed transport, routing dials
// through the resolved proxy when one is configured.
func newPortableTransport(hc Config, insecure bool, proxy *ProxyTarget) (http.RoundTripper, error) {
	dial, err := proxiedDialer(hc, proxy)
	if err != nil {
		return nil, err
	}

	dialTLS := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialPortableTLS(ctx, dial, network, addr, insecure)
	}

	h2Transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialTLS(ctx, network, addr)
		},
	}

	h1Transport := &http.Transport{
		DialContext:           dial,
		DialTLSContext:        dialTLS,
		MaxIdleConns:          hc.MaxIdleConns,
		MaxIdleConnsPerHost:   hc.MaxIdleConnsPerHost,
		IdleConnTimeout:       hc.IdleConnTimeout,
		ExpectContinueTimeout: hc.ExpectContinueTimeout,
		DisableCompression:    hc.DisableCompression,
		ForceAttemptHTTP2:     false,
	}

	return &portableTransport{h2: h2Transport, h1: h1Transport}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *portableTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Plaintext requests have no handshake to disguise.
	if req.URL.Scheme == "http" {
		return t.h1.RoundTrip(req)
	}

	resp, err := t.h2.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, err
	}

	// Servers that never negotiate h2 land here.
	return t.h1.RoundTrip(req)
}

// dialFunc matches net.Dialer.DialContext.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// proxiedDialer returns the TCP dial function for the portable transport:
// direct, through a SOCKS5 proxy, or through an HTTP(S) CONNECT tunnel.
// Tunneling happens at the dial layer because the uTLS handshake owns the
// connection from the first byte.
func proxiedDialer(hc Config, proxy *ProxyTarget) (dialFunc, error) {
	base := hc.dialer()
	if proxy == nil {
		return base.DialContext, nil
	}

	switch proxy.URL.Scheme {
	case "socks5":
		socksDialer, err := xproxy.FromURL(proxy.URL, base)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", proxy.URL.Host, err)
		}
		contextDialer, ok := socksDialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 proxy %s: dialer does not support context", proxy.URL.Host)
		}
		return contextDialer.DialContext, nil

	case "http", "https":
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialConnectTunnel(ctx, base, proxy, addr)
		}, nil

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxy.URL.Scheme)
	}
}

// dialConnectTunnel opens a CONNECT tunnel to addr through an HTTP(S) proxy.
func dialConnectTunnel(ctx context.Context, d *net.Dialer, proxy *ProxyTarget, addr string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", proxyAddress(proxy.URL))
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	if proxy.URL.Scheme == "https" {
		host := proxy.URL.Hostname()
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy tls handshake: %w", err)
		}
		conn = tlsConn
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if proxy.AuthHeader != "" {
		connectReq.Header.Set("Proxy-Authorization", proxy.AuthHeader)
	}

	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT: %s", resp.Status)
	}

	return conn, nil
}

// proxyAddress returns host:port for the proxy URL, defaulting the port
// from the scheme when the configuration omitted it.
func proxyAddress(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// dialPortableTLS establishes a TLS connection with a Chrome-like
// ClientHello over an already-routed TCP connection.
func dialPortableTLS(ctx context.Context, dial dialFunc, network, addr string, insecure bool) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	tlsConn := utls.UClient(conn, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecure, //nolint:gosec // selected by the fallback walk, scoped to this client
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("utls handshake: %w", err)
	}

	return tlsConn, nil
}
