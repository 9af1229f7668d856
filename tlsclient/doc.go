// Package tlsclient builds outbound HTTP clients whose TLS configuration
// is learned per URL instead of assumed.
//
// Signaling and API endpoints are not uniform: some terminate TLS with
// stacks that reject Go's default ClientHello, some present certificates
// that only pass relaxed validation, and some speak no TLS at all. Which
// combination works is not known in advance, so the first call for a URL
// probes candidate configurations in a fixed fallback order and caches the
// first one that succeeds; every later call skips straight to the cached
// configuration.
//
// # Quick Start
//
//	sel := tlsclient.New(
//	    tlsclient.WithLogger(logger),
//	)
//
//	client := sel.ClientForURL(ctx, "https://api.example.com")
//	resp, err := client.Get("https://api.example.com/heartbeat")
//
// ClientForURL never returns an error: on terminal failure it logs and
// hands back the last-attempted client, on the principle that a best-effort
// client is more useful than no client.
//
// # Backends
//
// Three backends exist: BackendPlain (no TLS), BackendNative (crypto/tls)
// and BackendPortable (uTLS with a browser-like ClientHello, for servers
// behind fingerprint-filtering middleboxes). Clients for a known
// configuration can be built directly:
//
//	client := sel.Client(tlsclient.BackendPortable, false)
//
// # Upstream proxies
//
// An HTTP, HTTPS or SOCKS5 proxy (with optional credentials) is woven into
// every built client. Environment proxy variables are never consulted; the
// configured proxy, or none, is authoritative:
//
//	sel := tlsclient.New(
//	    tlsclient.WithProxyConfig(tlsclient.ProxyConfig{
//	        Scheme: tlsclient.ProxySOCKS5,
//	        Host:   "127.0.0.1:1080",
//	    }),
//	)
//
// # Sharing learned configurations
//
// Selectors share one process-lifetime in-memory cache by default. A fleet
// can share discoveries through Redis:
//
//	sel := tlsclient.New(
//	    tlsclient.WithStore(tlsclient.NewRedisStore(rdb)),
//	)
//
// MemoryStore snapshots (Snapshot / RestoreSnapshot) let a process persist
// the cache across restarts on its own terms.
package tlsclient
