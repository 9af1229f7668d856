package tlsclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Selector builds HTTP clients whose TLS configuration is learned per URL.
//
// The first call for a URL probes candidate configurations in a fixed order
// (native TLS first, then the portable stack, relaxing certificate
// validation when no mode has been decided) and remembers the first one
// that works. Later calls skip probing entirely.
//
// Create a Selector with New():
//
//	sel := tlsclient.New(
//	    tlsclient.WithLogger(logger),
//	    tlsclient.WithProxyConfig(tlsclient.ProxyConfig{
//	        Scheme: tlsclient.ProxySOCKS5,
//	        Host:   "127.0.0.1:1080",
//	    }),
//	)
//
//	client := sel.ClientForURL(ctx, "https://api.example.com")
//	resp, err := client.Get("https://api.example.com/heartbeat")
type Selector struct {
	cfg     *internalConfig
	group   singleflight.Group
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[probeOutcome]
}

// New creates a Selector. Selectors are safe for concurrent use; one per
// process is the intended shape, since they share the default configuration
// cache anyway unless WithStore says otherwise.
func New(opts ...Option) *Selector {
	cfg := newConfig(opts...)

	s := &Selector{cfg: cfg}

	if cfg.RateLimit != nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.ProbesPerSecond), cfg.RateLimit.Burst)
	}
	if cfg.BreakerConfig != nil {
		s.breaker = newProbeBreaker(cfg)
	}

	return s
}

// ClientForURL returns a client configured for the given URL.
//
// If both the backend and the certificate-validation mode are already
// cached for the URL's canonical key, the client is built straight from the
// cache and no probe is issued. Otherwise candidate configurations are
// probed in fallback order and the first success is cached. Concurrent
// calls for the same key share a single walk.
//
// This method never returns an error: on terminal failure the
// last-attempted client is returned and the failure is logged. Blocking
// callers call it directly; cooperative callers run it in a goroutine. The
// context bounds the probes either way.
func (s *Selector) ClientForURL(ctx context.Context, rawURL string) *http.Client {
	proxyCfg := s.cfg.proxyConfig()
	key := tlsKeyFor(rawURL, proxyCfg)

	cached, ok := s.cfg.Store.Lookup(ctx, key)
	if cached.Resolved() {
		s.cfg.Metrics.recordCacheLookup(ctx, "hit")
		proxy := resolveProxyTarget(proxyCfg, s.cfg.Logger)
		return buildClient(s.cfg, cached.Backend, cached.CertMode.Insecure(), proxy)
	}
	if ok {
		s.cfg.Metrics.recordCacheLookup(ctx, "partial")
	} else {
		s.cfg.Metrics.recordCacheLookup(ctx, "miss")
	}

	// Concurrent callers racing to probe the same key would all reach the
	// same answer; let the first walk answer for everyone.
	client, _, _ := s.group.Do(key, func() (interface{}, error) {
		return s.walk(ctx, rawURL, key, proxyCfg, cached), nil
	})
	return client.(*http.Client)
}

// CachedEntry returns the recorded configuration for a URL, applying the
// same canonicalization as ClientForURL.
func (s *Selector) CachedEntry(ctx context.Context, rawURL string) (Entry, bool) {
	return s.cfg.Store.Lookup(ctx, tlsKeyFor(rawURL, s.cfg.proxyConfig()))
}

// SetCachedBackend pre-seeds the backend for a URL.
func (s *Selector) SetCachedBackend(ctx context.Context, rawURL string, backend Backend) {
	s.cfg.Store.StoreBackend(ctx, tlsKeyFor(rawURL, s.cfg.proxyConfig()), backend)
}

// SetCachedCertMode pre-seeds the certificate-validation mode for a URL.
func (s *Selector) SetCachedCertMode(ctx context.Context, rawURL string, insecure bool) {
	s.cfg.Store.StoreCertMode(ctx, tlsKeyFor(rawURL, s.cfg.proxyConfig()), insecure)
}

// walk drives the bounded rebuild-and-probe loop for one key.
//
// The loop shape (rather than recursion) keeps the hop count visibly
// bounded by the transition table: no candidate sequence revisits a state,
// so at most two probes run per call.
func (s *Selector) walk(ctx context.Context, rawURL, key string, proxyCfg *ProxyConfig, cached Entry) *http.Client {
	logger := s.cfg.Logger.With().
		Str("walk_id", uuid.NewString()).
		Str("url", key).
		Logger()

	ctx, span := s.cfg.Tracer.Start(ctx, "tlsclient.select",
		trace.WithAttributes(attribute.String("url.canonical", key)),
	)
	defer span.End()

	backend := cached.Backend
	if backend == BackendUnknown {
		backend = BackendNative
	}
	backendCached := cached.Backend != BackendUnknown
	mode := cached.CertMode

	proxy := resolveProxyTarget(proxyCfg, logger)

	var client *http.Client
	for {
		client = buildClient(s.cfg, backend, mode.Insecure(), proxy)

		outcome, err := s.probe(ctx, client, backend, rawURL)
		switch outcome {
		case probeSuccess:
			logger.Info().
				Stringer("backend", backend).
				Stringer("cert_mode", certModeOf(mode.Insecure())).
				Msg("connected to server")
			// A success always records the concrete mode the probe ran
			// with; an undecided mode ran strict and is stored as strict.
			s.cfg.Store.StoreBackend(ctx, key, backend)
			s.cfg.Store.StoreCertMode(ctx, key, mode.Insecure())
			return client

		case probeOtherFailure:
			logger.Warn().
				Err(err).
				Stringer("backend", backend).
				Msg("probe failed outside the transport layer, keeping current client")
			return client
		}

		next, nextMode, ok := nextCandidate(backend, backendCached, mode, cached.CertMode)
		if !ok {
			logger.Error().
				Err(err).
				Stringer("backend", backend).
				Msg("all candidate configurations exhausted, returning last client")
			span.SetAttributes(attribute.Bool("tlsclient.exhausted", true))
			return client
		}

		logger.Warn().
			Err(err).
			Stringer("backend", backend).
			Stringer("next_backend", next).
			Stringer("next_cert_mode", nextMode).
			Msg("failed to connect, trying next configuration")
		s.cfg.Metrics.recordTransition(ctx, backend, next)

		backend, mode = next, nextMode
	}
}

// nextCandidate is the fixed transition table, consulted only after a
// connect-class failure.
//
// An undecided cert mode most likely means "backend mismatch", so those
// rows swap to the other backend with relaxed validation. A mode that was
// decided but whose backend is not yet cache-confirmed was an explicit
// prior choice, so that row preserves it and only swaps the backend. Every
// other state is terminal.
func nextCandidate(backend Backend, backendCached bool, mode, original CertMode) (Backend, CertMode, bool) {
	switch {
	case backend == BackendNative && !mode.Known():
		return BackendPortable, CertModeInsecure, true
	case backend == BackendNative && !backendCached && mode.Known():
		return BackendPortable, original, true
	case backend == BackendPortable && !mode.Known():
		return BackendNative, CertModeInsecure, true
	}
	return BackendUnknown, CertModeUnknown, false
}

// probe runs one reachability probe through the optional limiter and
// breaker. Limiter exhaustion and an open breaker both classify as
// non-transport failures: they say nothing about which backend works, so
// they must not drive the table or touch the cache.
func (s *Selector) probe(ctx context.Context, client *http.Client, backend Backend, rawURL string) (probeOutcome, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return probeOtherFailure, err
		}
	}

	start := time.Now()
	outcome, err := s.guardedProbe(ctx, client, rawURL)
	s.cfg.Metrics.recordProbe(ctx, backend, outcome, time.Since(start))
	return outcome, err
}

// guardedProbe applies the circuit breaker, when configured.
func (s *Selector) guardedProbe(ctx context.Context, client *http.Client, rawURL string) (probeOutcome, error) {
	if s.breaker == nil {
		return doProbe(ctx, client, rawURL)
	}

	var probeErr error
	outcome, err := s.breaker.Execute(func() (probeOutcome, error) {
		o, e := doProbe(ctx, client, rawURL)
		probeErr = e
		if o == probeConnectFailure {
			// Only connect-class failures count against the breaker;
			// cancellations and bad URLs are not a server-health signal.
			return o, e
		}
		return o, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return probeOtherFailure, err
		}
		return probeConnectFailure, probeErr
	}
	return outcome, probeErr
}

// newProbeBreaker builds the configured circuit breaker.
func newProbeBreaker(cfg *internalConfig) *gobreaker.CircuitBreaker[probeOutcome] {
	bc := cfg.BreakerConfig

	consecutive := bc.ConsecutiveFailures
	if consecutive == 0 {
		consecutive = 5
	}
	timeout := bc.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	logger := cfg.Logger
	return gobreaker.NewCircuitBreaker[probeOutcome](gobreaker.Settings{
		Name:        "tlsclient-probe",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutive
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("probe breaker state changed")
		},
	})
}
