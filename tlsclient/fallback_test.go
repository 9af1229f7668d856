package tlsclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// probeCall records one probe the selector issued, with the configuration
// of the client that carried it.
type probeCall struct {
	backend  Backend
	insecure bool
	url      string
}

// fakeNetwork scripts probe outcomes per candidate configuration and
// records every request, standing in for the real transports.
type fakeNetwork struct {
	mu      sync.Mutex
	calls   []probeCall
	respond func(backend Backend, insecure bool) (*http.Response, error)
}

func (f *fakeNetwork) factory(backend Backend, insecure bool) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		f.mu.Lock()
		f.calls = append(f.calls, probeCall{backend: backend, insecure: insecure, url: req.URL.String()})
		f.mu.Unlock()
		return f.respond(backend, insecure)
	})
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) recordedCalls() []probeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return append([]probeCall{}, f.calls...)
}

func okResponse() (*http.Response, error) {
	return newMockResponse(http.StatusOK, ""), nil
}

func connectRefused() (*http.Response, error) {
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}
}

func TestClientForURL_FallbackWalk(t *testing.T) {
	type args struct {
		seed    *Entry // pre-seeded cache entry, nil for fresh cache
		respond func(backend Backend, insecure bool) (*http.Response, error)
	}

	tests := []struct {
		name       string
		args       args
		wantCalls  []probeCall
		wantEntry  *Entry // expected cache entry after the call, nil for none
		wantCached bool
	}{
		{
			name: "given fresh cache and reachable server, then caches native strict after one probe",
			args: args{
				respond: func(Backend, bool) (*http.Response, error) { return okResponse() },
			},
			wantCalls: []probeCall{
				{backend: BackendNative, insecure: false, url: "https://svc.local"},
			},
			wantEntry:  &Entry{Backend: BackendNative, CertMode: CertModeStrict},
			wantCached: true,
		},
		{
			name: "given native connect failure, then retries portable insecure and caches it",
			args: args{
				respond: func(backend Backend, _ bool) (*http.Response, error) {
					if backend == BackendNative {
						return connectRefused()
					}
					return okResponse()
				},
			},
			wantCalls: []probeCall{
				{backend: BackendNative, insecure: false, url: "https://svc.local"},
				{backend: BackendPortable, insecure: true, url: "https://svc.local"},
			},
			wantEntry:  &Entry{Backend: BackendPortable, CertMode: CertModeInsecure},
			wantCached: true,
		},
		{
			name: "given every configuration fails, then stops after two probes and caches nothing",
			args: args{
				respond: func(Backend, bool) (*http.Response, error) { return connectRefused() },
			},
			wantCalls: []probeCall{
				{backend: BackendNative, insecure: false, url: "https://svc.local"},
				{backend: BackendPortable, insecure: true, url: "https://svc.local"},
			},
			wantEntry:  nil,
			wantCached: false,
		},
		{
			name: "given a non-transport failure, then stops immediately without caching",
			args: args{
				respond: func(Backend, bool) (*http.Response, error) {
					return nil, errors.New("something entirely unrelated")
				},
			},
			wantCalls: []probeCall{
				{backend: BackendNative, insecure: false, url: "https://svc.local"},
			},
			wantEntry:  nil,
			wantCached: false,
		},
		{
			name: "given cached backend and cert mode, then issues zero probes",
			args: args{
				seed: &Entry{Backend: BackendPortable, CertMode: CertModeInsecure},
				respond: func(Backend, bool) (*http.Response, error) {
					return nil, errors.New("probe should not run")
				},
			},
			wantCalls:  nil,
			wantEntry:  &Entry{Backend: BackendPortable, CertMode: CertModeInsecure},
			wantCached: true,
		},
		{
			name: "given cached backend only, then walk starts there and relaxes validation on the other stack",
			args: args{
				seed: &Entry{Backend: BackendPortable},
				respond: func(backend Backend, _ bool) (*http.Response, error) {
					if backend == BackendPortable {
						return connectRefused()
					}
					return okResponse()
				},
			},
			wantCalls: []probeCall{
				{backend: BackendPortable, insecure: false, url: "https://svc.local"},
				{backend: BackendNative, insecure: true, url: "https://svc.local"},
			},
			wantEntry:  &Entry{Backend: BackendNative, CertMode: CertModeInsecure},
			wantCached: true,
		},
		{
			name: "given cached cert mode only, then backend swap preserves the decided mode",
			args: args{
				seed: &Entry{CertMode: CertModeStrict},
				respond: func(backend Backend, _ bool) (*http.Response, error) {
					if backend == BackendNative {
						return connectRefused()
					}
					return okResponse()
				},
			},
			wantCalls: []probeCall{
				{backend: BackendNative, insecure: false, url: "https://svc.local"},
				{backend: BackendPortable, insecure: false, url: "https://svc.local"},
			},
			wantEntry:  &Entry{Backend: BackendPortable, CertMode: CertModeStrict},
			wantCached: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			if tt.args.seed != nil {
				if tt.args.seed.Backend != BackendUnknown {
					store.StoreBackend(ctx, "https://svc.local", tt.args.seed.Backend)
				}
				if tt.args.seed.CertMode.Known() {
					store.StoreCertMode(ctx, "https://svc.local", tt.args.seed.CertMode.Insecure())
				}
			}

			network := &fakeNetwork{respond: tt.args.respond}
			sel := New(
				WithStore(store),
				WithTransportOverride(network.factory),
			)

			client := sel.ClientForURL(ctx, "https://svc.local")
			require.NotNil(t, client, "a client is always returned")

			assert.Equal(t, tt.wantCalls, network.recordedCalls())

			entry, ok := store.Lookup(ctx, "https://svc.local")
			assert.Equal(t, tt.wantCached, ok)
			if tt.wantEntry != nil {
				assert.Equal(t, *tt.wantEntry, entry)
			}
		})
	}
}

func TestClientForURL_Convergence(t *testing.T) {
	// A server only reachable via the portable stack with relaxed
	// validation: repeated calls must converge on exactly that pair and
	// then stop probing altogether.
	ctx := context.Background()
	store := NewMemoryStore()
	network := &fakeNetwork{
		respond: func(backend Backend, insecure bool) (*http.Response, error) {
			if backend == BackendPortable && insecure {
				return okResponse()
			}
			return connectRefused()
		},
	}
	sel := New(WithStore(store), WithTransportOverride(network.factory))

	for i := 0; i < 3; i++ {
		require.NotNil(t, sel.ClientForURL(ctx, "https://stubborn.local"))
	}

	entry, ok := store.Lookup(ctx, "https://stubborn.local")
	require.True(t, ok)
	assert.Equal(t, Entry{Backend: BackendPortable, CertMode: CertModeInsecure}, entry)

	// First call probes native then portable; calls two and three hit the
	// fast path.
	assert.Equal(t, 2, network.callCount())
}

func TestClientForURL_PerURLIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	network := &fakeNetwork{
		respond: func(backend Backend, _ bool) (*http.Response, error) {
			if backend == BackendNative {
				return okResponse()
			}
			return connectRefused()
		},
	}
	sel := New(WithStore(store), WithTransportOverride(network.factory))

	sel.ClientForURL(ctx, "https://a.local")
	sel.SetCachedBackend(ctx, "https://b.local", BackendPortable)
	sel.SetCachedCertMode(ctx, "https://b.local", true)

	entryA, okA := store.Lookup(ctx, "https://a.local")
	require.True(t, okA)
	assert.Equal(t, Entry{Backend: BackendNative, CertMode: CertModeStrict}, entryA)

	entryB, okB := sel.CachedEntry(ctx, "https://b.local")
	require.True(t, okB)
	assert.Equal(t, Entry{Backend: BackendPortable, CertMode: CertModeInsecure}, entryB)
}

func TestClientForURL_PlainURLWithHTTPSProxyRemapsCacheKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	network := &fakeNetwork{
		respond: func(Backend, bool) (*http.Response, error) { return okResponse() },
	}
	sel := New(
		WithStore(store),
		WithTransportOverride(network.factory),
		WithProxyConfig(ProxyConfig{Scheme: ProxyHTTPS, Host: "proxy.example:443"}),
	)

	require.NotNil(t, sel.ClientForURL(ctx, "http://example.com"))

	// The TLS handshake happens with the proxy, so the proxy URL is the
	// key; nothing is recorded under the plaintext URL itself.
	_, okPlain := store.Lookup(ctx, "http://example.com")
	assert.False(t, okPlain)

	entry, ok := store.Lookup(ctx, "https://proxy.example:443")
	require.True(t, ok)
	assert.Equal(t, Entry{Backend: BackendNative, CertMode: CertModeStrict}, entry)

	// The accessor applies the same canonicalization.
	viaAccessor, ok := sel.CachedEntry(ctx, "http://example.com")
	require.True(t, ok)
	assert.Equal(t, entry, viaAccessor)
}

func TestClientForURL_CoalescesConcurrentWalks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	network := &fakeNetwork{
		respond: func(Backend, bool) (*http.Response, error) {
			time.Sleep(50 * time.Millisecond)
			return okResponse()
		},
	}
	sel := New(WithStore(store), WithTransportOverride(network.factory))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotNil(t, sel.ClientForURL(ctx, "https://busy.local"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, network.callCount(), "concurrent callers share a single walk")
}

func TestClientForURL_ProbeBreaker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	network := &fakeNetwork{
		respond: func(Backend, bool) (*http.Response, error) { return connectRefused() },
	}
	sel := New(
		WithStore(store),
		WithTransportOverride(network.factory),
		WithProbeBreaker(ProbeBreakerConfig{ConsecutiveFailures: 1, Timeout: time.Minute}),
	)

	// First walk: the opening probe fails and trips the breaker, so the
	// rebuilt candidate is not probed at all.
	require.NotNil(t, sel.ClientForURL(ctx, "https://down.local"))
	assert.Equal(t, 1, network.callCount())

	// While open, later walks skip probing entirely.
	require.NotNil(t, sel.ClientForURL(ctx, "https://down.local"))
	assert.Equal(t, 1, network.callCount())

	_, ok := store.Lookup(ctx, "https://down.local")
	assert.False(t, ok, "a skipped probe never writes the cache")
}

func TestClientForURL_ProbeRateLimit(t *testing.T) {
	store := NewMemoryStore()
	network := &fakeNetwork{
		respond: func(Backend, bool) (*http.Response, error) { return okResponse() },
	}
	sel := New(
		WithStore(store),
		WithTransportOverride(network.factory),
		WithProbeRateLimit(ProbeRateLimitConfig{ProbesPerSecond: 0.001, Burst: 1}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The single burst token serves the first URL.
	require.NotNil(t, sel.ClientForURL(ctx, "https://first.local"))
	_, ok := store.Lookup(ctx, "https://first.local")
	assert.True(t, ok)

	// The second probe cannot obtain a token before the context expires;
	// the walk stops without caching but still returns a client.
	require.NotNil(t, sel.ClientForURL(ctx, "https://second.local"))
	_, ok = store.Lookup(context.Background(), "https://second.local")
	assert.False(t, ok)
	assert.Equal(t, 1, network.callCount())
}

func TestNextCandidate(t *testing.T) {
	type args struct {
		backend       Backend
		backendCached bool
		mode          CertMode
		original      CertMode
	}

	tests := []struct {
		name     string
		args     args
		wantNext Backend
		wantMode CertMode
		wantOK   bool
	}{
		{
			name:     "given native with undecided mode, then portable insecure",
			args:     args{backend: BackendNative, mode: CertModeUnknown},
			wantNext: BackendPortable,
			wantMode: CertModeInsecure,
			wantOK:   true,
		},
		{
			name:     "given native cached with undecided mode, then still portable insecure",
			args:     args{backend: BackendNative, backendCached: true, mode: CertModeUnknown},
			wantNext: BackendPortable,
			wantMode: CertModeInsecure,
			wantOK:   true,
		},
		{
			name: "given native uncached with decided mode, then portable keeps the mode",
			args: args{
				backend: BackendNative, mode: CertModeStrict, original: CertModeStrict,
			},
			wantNext: BackendPortable,
			wantMode: CertModeStrict,
			wantOK:   true,
		},
		{
			name:     "given portable with undecided mode, then native insecure",
			args:     args{backend: BackendPortable, backendCached: true, mode: CertModeUnknown},
			wantNext: BackendNative,
			wantMode: CertModeInsecure,
			wantOK:   true,
		},
		{
			name:   "given native cached with decided mode, then terminal",
			args:   args{backend: BackendNative, backendCached: true, mode: CertModeInsecure, original: CertModeInsecure},
			wantOK: false,
		},
		{
			name:   "given portable with decided mode, then terminal",
			args:   args{backend: BackendPortable, mode: CertModeInsecure},
			wantOK: false,
		},
		{
			name:   "given plain backend, then terminal",
			args:   args{backend: BackendPlain, mode: CertModeUnknown},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, mode, ok := nextCandidate(tt.args.backend, tt.args.backendCached, tt.args.mode, tt.args.original)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantNext, next)
				assert.Equal(t, tt.wantMode, mode)
			}
		})
	}
}
