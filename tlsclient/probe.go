package tlsclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// probeOutcome classifies one reachability probe.
type probeOutcome int

const (
	// probeSuccess: the server answered. Status code is irrelevant; a 500
	// still proves the transport configuration works.
	probeSuccess probeOutcome = iota

	// probeConnectFailure: the failure happened at the connection or TLS
	// layer, so a different candidate configuration may work. Only this
	// outcome drives the fallback table.
	probeConnectFailure

	// probeOtherFailure: everything else (malformed URL, caller
	// cancellation, non-transport timeouts). Logged and never retried.
	probeOtherFailure
)

// String implements fmt.Stringer.
func (o probeOutcome) String() string {
	switch o {
	case probeSuccess:
		return "success"
	case probeConnectFailure:
		return "connect_failure"
	default:
		return "other_failure"
	}
}

// doProbe issues one HEAD request against the built client and classifies
// the result. The response body is drained so the connection returns to the
// pool warm for the caller's real traffic.
func doProbe(ctx context.Context, client *http.Client, rawURL string) (probeOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return probeOtherFailure, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyProbeError(err), err
	}

	io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain
	resp.Body.Close()
	return probeSuccess, nil
}

// classifyProbeError separates connect-class failures, which are eligible
// to trigger fallback, from everything else.
//
// Certificate and handshake errors are deliberately connect-class here:
// routing around them is the whole point of the backend and cert-mode walk.
// Caller cancellation and deadline expiry are not, because switching TLS
// stacks cannot un-cancel a context.
func classifyProbeError(err error) probeOutcome {
	if err == nil {
		return probeSuccess
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return probeOtherFailure
	}

	if isConnectClassError(err) {
		return probeConnectFailure
	}

	return probeOtherFailure
}

// isConnectClassError reports whether err originated at the connection or
// TLS layer.
func isConnectClassError(err error) bool {
	// 1. Certificate verification failures
	var certVerifyErr *tls.CertificateVerificationError
	if errors.As(err, &certVerifyErr) {
		return true
	}
	var unknownAuthorityErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthorityErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var certInvalidErr x509.CertificateInvalidError
	if errors.As(err, &certInvalidErr) {
		return true
	}

	// 2. TLS record/alert failures (wrong stack, protocol mismatch)
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return true
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return true
	}

	// 3. Socket-level failures
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// 4. Fallback for wrapped errors from third-party TLS stacks whose
	// types the checks above cannot see.
	return containsConnectPattern(err)
}

// containsConnectPattern is the string-level fallback for edge cases where
// type checks fail (uTLS and proxy dialers wrap liberally).
func containsConnectPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"tls:",
		"x509:",
		"certificate",
		"handshake",
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"no route to host",
		"proxy refused",
		"socks",
		"eof",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
