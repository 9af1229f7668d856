package tlsclient

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/adaptls-go/tlsclient"
)

// Config holds the HTTP transport tuning shared by every client the
// selector builds, regardless of backend. Use DefaultConfig() as a starting
// point and adjust individual fields.
type Config struct {
	// Timeout limits the entire request lifecycle of requests made with a
	// built client, probes included. Zero means no timeout.
	//
	// Default: 15s
	Timeout time.Duration

	// DialTimeout is the maximum time to establish a TCP connection,
	// before any TLS handshake.
	//
	// Default: 5s
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake on the native backend.
	//
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// MaxIdleConns caps idle keep-alive connections across all hosts.
	//
	// Default: 100
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle connections per host.
	//
	// Default: 20
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	//
	// Default: 90s
	IdleConnTimeout time.Duration

	// ExpectContinueTimeout is the wait for a "100 Continue" response.
	//
	// Default: 1s
	ExpectContinueTimeout time.Duration

	// DisableCompression disables the Accept-Encoding: gzip header.
	// Disabled by default because not every signaling endpoint supports it.
	//
	// Default: true
	DisableCompression bool
}

// DefaultConfig returns balanced transport settings for API-sized traffic.
func DefaultConfig() Config {
	return Config{
		Timeout:               15 * time.Second,
		DialTimeout:           5 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
}

// dialer builds the TCP dialer shared by all backends.
func (c Config) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   c.DialTimeout,
		KeepAlive: c.KeepAlive,
	}
}

// ProbeBreakerConfig configures the optional circuit breaker around probe
// requests. When the breaker is open, probing is skipped entirely and the
// walk returns the already-built client without touching the cache.
type ProbeBreakerConfig struct {
	// MaxRequests is the number of probes allowed through while half-open.
	// If 0, one probe is allowed.
	MaxRequests uint32

	// Interval is the cyclic period over which failure counts are cleared
	// while closed. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	// Defaults to 60s if 0.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker after this many connect-class
	// probe failures in a row. Defaults to 5 if 0.
	ConsecutiveFailures uint32
}

// ProbeRateLimitConfig configures the optional token-bucket limiter on
// probe issuance. A probe that cannot obtain a token before its context
// expires is treated like any other non-transport failure: the walk stops
// and the built client is returned.
type ProbeRateLimitConfig struct {
	// ProbesPerSecond is the sustained probe rate across all URLs.
	ProbesPerSecond float64

	// Burst is the number of probes allowed to exceed the rate briefly.
	Burst int
}

// internalConfig holds the assembled selector configuration.
type internalConfig struct {
	httpConfig Config

	// Logger receives fallback transitions (warn), terminal failures
	// (error) and successful probes (info).
	Logger zerolog.Logger

	// Store is the configuration cache. Defaults to the shared
	// process-lifetime in-memory store.
	Store Store

	// ProxySource supplies the current upstream proxy configuration.
	// Called once per client construction so configuration reloads take
	// effect without rebuilding the selector.
	ProxySource func() *ProxyConfig

	// TracerProvider / MeterProvider default to the otel globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	Tracer  trace.Tracer
	Meter   metric.Meter
	Metrics *selectorMetrics

	// BreakerConfig enables the probe circuit breaker when non-nil.
	BreakerConfig *ProbeBreakerConfig

	// RateLimit enables the probe rate limiter when non-nil.
	RateLimit *ProbeRateLimitConfig

	// TransportOverride replaces the per-backend transport construction.
	// Used by tests to script probe outcomes per configuration.
	TransportOverride func(backend Backend, insecure bool) http.RoundTripper
}

// proxyConfig returns the current proxy configuration, if any.
func (cfg *internalConfig) proxyConfig() *ProxyConfig {
	if cfg.ProxySource == nil {
		return nil
	}
	return cfg.ProxySource()
}

// newConfig creates the internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		httpConfig:     DefaultConfig(),
		Logger:         zerolog.Nop(),
		Store:          defaultStore,
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Initialize metrics (nil on failure; recording is nil-safe)
	cfg.Metrics, _ = newSelectorMetrics(cfg.Meter)

	return cfg
}

// Option configures a Selector.
type Option func(*internalConfig)

// WithConfig sets the HTTP transport tuning for built clients.
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig = c
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = logger
	}
}

// WithStore injects the configuration cache. All selectors without an
// explicit store share one process-lifetime in-memory instance, so learned
// configurations survive selector construction. Use NewMemoryStore for an
// isolated cache or NewRedisStore to share across processes.
func WithStore(store Store) Option {
	return func(cfg *internalConfig) {
		if store != nil {
			cfg.Store = store
		}
	}
}

// WithProxyConfig sets a fixed upstream proxy configuration.
func WithProxyConfig(proxy ProxyConfig) Option {
	return func(cfg *internalConfig) {
		cfg.ProxySource = func() *ProxyConfig { return &proxy }
	}
}

// WithProxySource sets a callback that supplies the current proxy
// configuration. Return nil for "no proxy configured". The callback is
// consulted on every client construction, so hot-reloaded configuration is
// picked up without rebuilding the selector.
func WithProxySource(source func() *ProxyConfig) Option {
	return func(cfg *internalConfig) {
		cfg.ProxySource = source
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}

// WithProbeBreaker wraps probing in a circuit breaker. Repeated
// connect-class probe failures open the circuit; while open, walks skip
// probing and hand back best-effort clients immediately instead of paying
// for doomed network round trips.
func WithProbeBreaker(bc ProbeBreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.BreakerConfig = &bc
	}
}

// WithProbeRateLimit caps the rate of probe requests across all URLs,
// guarding against probe storms when many endpoints fail at once.
func WithProbeRateLimit(rl ProbeRateLimitConfig) Option {
	return func(cfg *internalConfig) {
		if rl.ProbesPerSecond > 0 {
			cfg.RateLimit = &rl
		}
	}
}

// WithTransportOverride replaces transport construction for built clients.
// The factory is called with the backend and validation mode each client
// would have been built with. Intended for tests that script probe
// outcomes per configuration.
func WithTransportOverride(factory func(backend Backend, insecure bool) http.RoundTripper) Option {
	return func(cfg *internalConfig) {
		cfg.TransportOverride = factory
	}
}
