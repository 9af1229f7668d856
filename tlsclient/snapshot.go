package tlsclient

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// snapshotEntry is the wire form of one cache entry. Unknown dimensions are
// omitted so partially populated entries round-trip as-is.
type snapshotEntry struct {
	Backend  string `json:"backend,omitempty"`
	CertMode string `json:"cert_mode,omitempty"`
}

// Snapshot serializes the store contents to JSON.
//
// Persistence itself stays with the caller: the store is in-memory by
// design, and a snapshot taken at shutdown and restored at startup is how a
// process avoids re-probing every URL it already learned.
func (s *MemoryStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	out := make(map[string]snapshotEntry, len(s.entries))
	for key, e := range s.entries {
		se := snapshotEntry{}
		if e.Backend != BackendUnknown {
			se.Backend = e.Backend.String()
		}
		if e.CertMode.Known() {
			se.CertMode = e.CertMode.String()
		}
		out[key] = se
	}
	s.mu.RUnlock()

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal cache snapshot: %w", err)
	}
	return data, nil
}

// RestoreSnapshot merges a snapshot produced by Snapshot into the store.
// Keys present in the snapshot overwrite existing entries; other keys are
// left alone. Unrecognized backend or mode names restore as unknown, which
// readers treat as "not recorded".
func (s *MemoryStore) RestoreSnapshot(data []byte) error {
	var in map[string]snapshotEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("unmarshal cache snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, se := range in {
		s.entries[key] = Entry{
			Backend:  parseBackend(se.Backend),
			CertMode: parseCertMode(se.CertMode),
		}
	}
	return nil
}
