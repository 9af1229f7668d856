package tlsclient

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
)

// MockTransport is a configurable http.RoundTripper for tests. Combined
// with WithTransportOverride it scripts probe outcomes per candidate
// configuration and records every request the selector issues.
type MockTransport struct {
	mu          sync.RWMutex
	stubs       []mockStub
	defaultResp *http.Response
	defaultErr  error
	requests    []*http.Request
}

type mockStub struct {
	matcher  func(*http.Request) bool
	response *http.Response
	err      error
}

// NewMockTransport creates an empty MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// StubResponse makes all unmatched requests return the given response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = newMockResponse(statusCode, body)
	return m
}

// StubError makes all unmatched requests return the given error.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultErr = err
	return m
}

// StubFunc makes requests matching the predicate return the given response.
// Stubs match in registration order, first match wins.
func (m *MockTransport) StubFunc(matcher func(*http.Request) bool, statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{matcher: matcher, response: newMockResponse(statusCode, body)})
	return m
}

// StubFuncError makes requests matching the predicate return the given error.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{matcher: matcher, err: err})
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.stubs {
		if s.matcher(req) {
			if s.err != nil {
				return nil, s.err
			}
			return cloneMockResponse(s.response), nil
		}
	}
	if m.defaultErr != nil {
		return nil, m.defaultErr
	}
	if m.defaultResp != nil {
		return cloneMockResponse(m.defaultResp), nil
	}
	return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
}

// Requests returns a copy of all requests made through this transport.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*http.Request{}, m.requests...)
}

// RequestCount returns the number of requests made.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// Reset clears recorded requests and stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.stubs = nil
	m.defaultResp = nil
	m.defaultErr = nil
}

func newMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func cloneMockResponse(resp *http.Response) *http.Response {
	var bodyBytes []byte
	if resp.Body != nil {
		bodyBytes, _ = io.ReadAll(resp.Body)
		resp.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}
	return &http.Response{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       io.NopCloser(bytes.NewBuffer(bodyBytes)),
	}
}
