package tlsclient

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// ProxyScheme identifies how the upstream proxy is reached.
type ProxyScheme int

const (
	// ProxyHTTP is a plaintext HTTP proxy.
	ProxyHTTP ProxyScheme = iota

	// ProxyHTTPS is an HTTP proxy reached over TLS.
	ProxyHTTPS

	// ProxySOCKS5 is a SOCKS5 proxy.
	ProxySOCKS5
)

// String implements fmt.Stringer.
func (s ProxyScheme) String() string {
	switch s {
	case ProxyHTTPS:
		return "https"
	case ProxySOCKS5:
		return "socks5"
	default:
		return "http"
	}
}

// ProxyConfig describes an upstream proxy as supplied by the application's
// configuration layer. The selector reads it, never writes it.
type ProxyConfig struct {
	// Scheme selects the proxy protocol.
	Scheme ProxyScheme

	// Host is the proxy address, host:port.
	Host string

	// Username and Password are optional basic-auth credentials.
	Username string
	Password string
}

// ProxyTarget is a resolved proxy: the URL handed to the transport plus the
// Proxy-Authorization value to send, if credentials were configured.
type ProxyTarget struct {
	URL        *url.URL
	AuthHeader string
}

// resolveProxyTarget derives the proxy target from configuration.
//
// A malformed configuration resolves to nil rather than an error: the
// orchestrator must still hand the caller a usable (unproxied) client, so
// the failure is logged here and absorbed.
func resolveProxyTarget(cfg *ProxyConfig, logger zerolog.Logger) *ProxyTarget {
	if cfg == nil || cfg.Host == "" {
		return nil
	}

	u, err := url.Parse(cfg.Scheme.String() + "://" + cfg.Host)
	if err != nil || u.Host == "" {
		logger.Warn().
			Err(err).
			Str("proxy", cfg.Host).
			Msg("unusable proxy configuration, continuing without proxy")
		return nil
	}

	target := &ProxyTarget{URL: u}
	if cfg.Username != "" {
		// The userinfo form is what transports consume (the SOCKS5 dialer
		// and http.Transport both read it); the explicit header value is
		// for CONNECT tunnels, which take headers, not URLs.
		u.User = url.UserPassword(cfg.Username, cfg.Password)
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		target.AuthHeader = "Basic " + credentials
	}
	return target
}

// tlsKeyFor returns the URL whose TLS behavior is actually being decided.
//
// A plaintext target reached through an https proxy performs its TLS
// handshake with the proxy, so the proxy URL is the cache key; probing and
// remembering a backend for the plaintext URL would attribute the result to
// the wrong peer.
func tlsKeyFor(rawURL string, cfg *ProxyConfig) string {
	if strings.HasPrefix(rawURL, "http://") && cfg != nil && cfg.Scheme == ProxyHTTPS {
		return "https://" + cfg.Host
	}
	return rawURL
}
