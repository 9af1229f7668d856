package tlsclient

import (
	"context"
	"sync"
)

// Store is the cache of working configurations, keyed by canonical URL.
//
// The two setters are independent and last-write-wins; no read-modify-write
// atomicity is required. Concurrent writers for the same key only ever write
// values derived from an actually-successful probe of that URL, so either
// winner is a valid configuration; convergence, not strict consistency, is
// the correctness goal. Absence of an entry is a normal state, not a fault,
// which is why the setters return nothing: a store that cannot persist a
// value degrades to re-probing, never to a caller-visible error.
type Store interface {
	// Lookup returns the entry for key. ok is false when nothing at all has
	// been recorded; a partially populated entry is returned with ok true.
	Lookup(ctx context.Context, key string) (entry Entry, ok bool)

	// StoreBackend records the backend that worked for key.
	StoreBackend(ctx context.Context, key string, backend Backend)

	// StoreCertMode records the certificate-validation mode that worked
	// for key.
	StoreCertMode(ctx context.Context, key string, insecure bool)
}

// defaultStore is the process-lifetime store shared by every Selector that
// does not inject its own. This is what makes a learned configuration stick
// across independently constructed selectors in one process.
var defaultStore = NewMemoryStore()

// MemoryStore is an in-memory Store. It is safe for concurrent use and has
// no eviction; entries live for the process lifetime unless overwritten or
// replaced through RestoreSnapshot.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// StoreBackend implements Store.
func (s *MemoryStore) StoreBackend(_ context.Context, key string, backend Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.Backend = backend
	s.entries[key] = e
}

// StoreCertMode implements Store.
func (s *MemoryStore) StoreCertMode(_ context.Context, key string, insecure bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.CertMode = certModeOf(insecure)
	s.entries[key] = e
}

// Len returns the number of keys with at least one recorded dimension.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
