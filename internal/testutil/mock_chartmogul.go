// Package testutil provides testing utilities for the ChartMogul extractor.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MockResponse defines one canned upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one request observed by the mock server.
type RecordedRequest struct {
	Path     string
	Query    url.Values
	User     string
	Received time.Time
}

// MockChartMogul is a configurable mock ChartMogul API for testing.
// Paths are registered relative to the API root, e.g. "customers".
type MockChartMogul struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	requests []RecordedRequest

	inFlight    int
	maxInFlight int
}

// NewMockChartMogul creates a new mock server.
func NewMockChartMogul() *MockChartMogul {
	mock := &MockChartMogul{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/v1"), "/")
		user, _, _ := r.BasicAuth()

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Path:     path,
			Query:    r.URL.Query(),
			User:     user,
			Received: time.Now(),
		})
		mock.inFlight++
		if mock.inFlight > mock.maxInFlight {
			mock.maxInFlight = mock.inFlight
		}
		handler, exists := mock.handlers[path]
		mock.mu.Unlock()

		defer func() {
			mock.mu.Lock()
			mock.inFlight--
			mock.mu.Unlock()
		}()

		if !exists {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "not found"}`))
			return
		}
		handler(w, r)
	}))

	return mock
}

// URL returns the API root of the mock server.
func (m *MockChartMogul) URL() string {
	return m.server.URL + "/v1/"
}

// Close shuts down the mock server.
func (m *MockChartMogul) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a path relative to the API root.
func (m *MockChartMogul) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse serves the same response for every request to path.
func (m *MockChartMogul) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence serves responses in order; the last one repeats once the
// sequence is exhausted.
func (m *MockChartMogul) SetSequence(path string, responses ...MockResponse) {
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		i := next
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		writeResponse(w, responses[i])
	})
}

// SetPages serves pages by the "page" query parameter (1-based). Pages past
// the end answer with an empty result array and has_more false.
func (m *MockChartMogul) SetPages(path string, resultKey string, pages ...MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		if err != nil || page < 1 {
			page = 1
		}
		if page > len(pages) {
			writeResponse(w, NewPageResponse(resultKey, nil, false))
			return
		}
		writeResponse(w, pages[page-1])
	})
}

// Requests returns the recorded requests for path, or all requests when
// path is empty.
func (m *MockChartMogul) Requests(path string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RecordedRequest
	for _, req := range m.requests {
		if path == "" || req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

// RequestCount returns the number of requests made to the server.
func (m *MockChartMogul) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockChartMogul) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Reset clears recorded requests.
func (m *MockChartMogul) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.inFlight = 0
	m.maxInFlight = 0
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// Entries builds n records {"uuid": "<prefix>-<i>", "id": i} starting at
// offset+1.
func Entries(prefix string, offset, n int) []map[string]any {
	entries := make([]map[string]any, 0, n)
	for i := offset + 1; i <= offset+n; i++ {
		entries = append(entries, map[string]any{
			"uuid": fmt.Sprintf("%s-%d", prefix, i),
			"id":   i,
		})
	}
	return entries
}

// NewPageResponse creates a 200 response carrying entries under resultKey
// and the given has_more flag.
func NewPageResponse(resultKey string, entries []map[string]any, hasMore bool) MockResponse {
	return NewJSONResponse(http.StatusOK, map[string]any{
		resultKey:  nonNil(entries),
		"has_more": hasMore,
	})
}

// NewNumberedPageResponse creates a 200 response with current_page and
// total_pages instead of has_more.
func NewNumberedPageResponse(resultKey string, entries []map[string]any, current, total int) MockResponse {
	return NewJSONResponse(http.StatusOK, map[string]any{
		resultKey:      nonNil(entries),
		"current_page": current,
		"total_pages":  total,
	})
}

// NewJSONResponse marshals body into a response with the given status.
func NewJSONResponse(status int, body any) MockResponse {
	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("marshal mock body: %v", err))
	}
	return MockResponse{StatusCode: status, Body: string(data)}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers:    map[string]string{"Retry-After": "1"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

func nonNil(entries []map[string]any) []map[string]any {
	if entries == nil {
		return []map[string]any{}
	}
	return entries
}
