package tlsclient

// Backend identifies which TLS implementation a client is built on.
//
// Remote endpoints are not uniform: some terminate TLS with stacks that
// reject Go's default ClientHello (middleboxes, fingerprint-filtering CDNs),
// some only speak plaintext, and some present certificates that only pass
// with relaxed validation. The selector probes backends in a fixed order and
// remembers what worked per URL, so the choice only costs a probe once.
type Backend int

const (
	// BackendUnknown means no backend has been recorded for a URL yet.
	// It never identifies a built client.
	BackendUnknown Backend = iota

	// BackendPlain builds a client with no TLS layer at all.
	BackendPlain

	// BackendNative builds on crypto/tls, the platform-default stack.
	// This is the first candidate for any URL with no recorded backend.
	BackendNative

	// BackendPortable builds on uTLS with a browser-like ClientHello.
	// It is the fallback for servers that refuse the native handshake.
	BackendPortable
)

// String implements fmt.Stringer.
func (b Backend) String() string {
	switch b {
	case BackendPlain:
		return "plain"
	case BackendNative:
		return "native"
	case BackendPortable:
		return "portable"
	default:
		return "unknown"
	}
}

// parseBackend is the inverse of String. Unrecognized input maps to
// BackendUnknown, which readers treat as "not recorded".
func parseBackend(s string) Backend {
	switch s {
	case "plain":
		return BackendPlain
	case "native":
		return BackendNative
	case "portable":
		return BackendPortable
	default:
		return BackendUnknown
	}
}

// CertMode is the certificate-validation decision for a URL.
//
// It is tri-state rather than boolean because "not yet decided" is a real
// state: the fallback walk treats an undecided mode as a hint that the
// failure is a backend mismatch rather than a certificate problem.
type CertMode int

const (
	// CertModeUnknown means no validation mode has been decided yet.
	CertModeUnknown CertMode = iota

	// CertModeStrict enforces full certificate chain validation.
	CertModeStrict

	// CertModeInsecure accepts invalid or self-signed certificates.
	CertModeInsecure
)

// String implements fmt.Stringer.
func (m CertMode) String() string {
	switch m {
	case CertModeStrict:
		return "strict"
	case CertModeInsecure:
		return "insecure"
	default:
		return "unknown"
	}
}

func parseCertMode(s string) CertMode {
	switch s {
	case "strict":
		return CertModeStrict
	case "insecure":
		return CertModeInsecure
	default:
		return CertModeUnknown
	}
}

// Known reports whether a validation mode has been decided.
func (m CertMode) Known() bool {
	return m == CertModeStrict || m == CertModeInsecure
}

// Insecure reports whether certificate validation should be disabled.
// An undecided mode defaults to strict validation.
func (m CertMode) Insecure() bool {
	return m == CertModeInsecure
}

// certModeOf converts the boolean a client was actually built with back
// into the tri-state form stored in the cache.
func certModeOf(insecure bool) CertMode {
	if insecure {
		return CertModeInsecure
	}
	return CertModeStrict
}

// Entry is the remembered working configuration for one canonical URL.
//
// The two fields are recorded independently (see Store), so an Entry may be
// partially populated: a pre-seeded cert mode without a backend, or vice
// versa. Only a fully Resolved entry short-circuits probing.
type Entry struct {
	// Backend is the recorded TLS backend, or BackendUnknown.
	Backend Backend

	// CertMode is the recorded validation mode, or CertModeUnknown.
	CertMode CertMode
}

// Resolved reports whether both dimensions have been recorded, which is the
// condition for the probe-free fast path.
func (e Entry) Resolved() bool {
	return e.Backend != BackendUnknown && e.CertMode.Known()
}
