// Package httputil holds the small HTTP helpers shared by the API server and
// its command-line clients.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPClient abstracts the single call the clients need, so tests can swap in
// MockHTTPClient. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxResponseBody caps the size of a decoded JSON response.
const maxResponseBody = 4 << 20

// GetJSON issues a GET to url and decodes a 2xx JSON body into out. Non-2xx
// responses are returned as errors carrying the server's error message.
func GetJSON(ctx context.Context, c HTTPClient, url string, out any) error {
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxResponseBody)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("GET %s: %s: %s", url, resp.Status, e.Error)
		}
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return nil
}

// MockHTTPClient replays canned responses and records requests.
type MockHTTPClient struct {
	mu        sync.Mutex
	DoFunc    func(req *http.Request) (*http.Response, error)
	Requests  []*http.Request
	Responses []*MockResponse
	next      int
}

// MockResponse is one canned reply. A non-nil Error is returned instead of a
// response.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a reply and returns m for chaining.
func (m *MockHTTPClient) AddResponse(status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &MockResponse{StatusCode: status, Body: body})
	return m
}

func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &MockResponse{Error: err})
	return m
}

// Do records req and returns the next queued reply, or an empty 200 once the
// queue is exhausted.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	resp := &MockResponse{StatusCode: http.StatusOK}
	if m.next < len(m.Responses) {
		resp = m.Responses[m.next]
		m.next++
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &http.Response{
		StatusCode: resp.StatusCode,
		Status:     fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
