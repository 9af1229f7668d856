package tlsclient

import (
	"crypto/tls"
	"net/http"
)

// Client builds an HTTP client on the given backend and validation mode,
// weaving in the currently configured upstream proxy.
//
// Construction never fails: if the configured transport cannot be built
// (for example the proxy target is unusable), a default unproxied client is
// returned and the problem is logged. A best-effort client is more useful
// to the signaling layer than no client; a real connectivity problem will
// surface on the caller's actual request.
func (s *Selector) Client(backend Backend, insecure bool) *http.Client {
	proxy := resolveProxyTarget(s.cfg.proxyConfig(), s.cfg.Logger)
	return buildClient(s.cfg, backend, insecure, proxy)
}

// buildClient assembles an *http.Client for one candidate configuration.
func buildClient(cfg *internalConfig, backend Backend, insecure bool, proxy *ProxyTarget) *http.Client {
	if cfg.TransportOverride != nil {
		return &http.Client{
			Transport: cfg.TransportOverride(backend, insecure),
			Timeout:   cfg.httpConfig.Timeout,
		}
	}

	transport, err := buildTransport(cfg.httpConfig, backend, insecure, proxy)
	if err != nil {
		cfg.Logger.Warn().
			Err(err).
			Stringer("backend", backend).
			Msg("failed to build configured client, falling back to default client")
		return &http.Client{Timeout: cfg.httpConfig.Timeout}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.httpConfig.Timeout,
	}
}

// buildTransport selects the concrete transport for a backend.
//
// Environment proxy auto-detection (HTTP_PROXY and friends) is never
// consulted: Transport.Proxy stays nil unless an explicit target was
// resolved. Ambient proxy variables silently overriding the resolved
// configuration is exactly the failure mode this exists to prevent.
func buildTransport(hc Config, backend Backend, insecure bool, proxy *ProxyTarget) (http.RoundTripper, error) {
	if backend == BackendPortable {
		return newPortableTransport(hc, insecure, proxy)
	}

	transport := &http.Transport{
		DialContext:           hc.dialer().DialContext,
		MaxIdleConns:          hc.MaxIdleConns,
		MaxIdleConnsPerHost:   hc.MaxIdleConnsPerHost,
		IdleConnTimeout:       hc.IdleConnTimeout,
		TLSHandshakeTimeout:   hc.TLSHandshakeTimeout,
		ExpectContinueTimeout: hc.ExpectContinueTimeout,
		DisableCompression:    hc.DisableCompression,
	}

	// The plain backend configures no TLS layer at all; the native backend
	// rides crypto/tls with the chosen validation mode.
	if backend == BackendNative {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: insecure, //nolint:gosec // selected by the fallback walk, scoped to this client
		}
	}

	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy.URL)
		if proxy.AuthHeader != "" {
			transport.ProxyConnectHeader = http.Header{
				"Proxy-Authorization": []string{proxy.AuthHeader},
			}
		}
	}

	return transport, nil
}
