// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package httpstub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client defines the interface for making HTTP calls to a vendor REST API
type Client interface {
	Do(ctx context.Context, method, url string, headers http.Header, body []byte) (status int, respBody []byte, respHeaders http.Header, err error)
}

// DefaultClient is the default implementation using http.Client
type DefaultClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewDefaultClient creates a new default client
func NewDefaultClient(timeout time.Duration) *DefaultClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &DefaultClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// Do sends the request and reads the whole response body
func (c *DefaultClient) Do(ctx context.Context, method, targetURL string, headers http.Header, body []byte) (status int, respBody []byte, respHeaders http.Header, err error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, rd)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", "callflow/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, resp.Header, nil
}

// MockClient is a test double for capturing outbound calls
type MockClient struct {
	mu    sync.Mutex
	Calls []MockCall
	// ResponseFunc allows tests to control responses
	ResponseFunc func(method, url string, body []byte) (status int, respBody []byte, headers http.Header, err error)
}

// MockCall records an outbound call
type MockCall struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	Time    time.Time
	Context context.Context
}

// NewMockClient creates a new mock client that answers 200 with an empty JSON object
func NewMockClient() *MockClient {
	return &MockClient{
		Calls: make([]MockCall, 0),
		ResponseFunc: func(method, url string, body []byte) (int, []byte, http.Header, error) {
			return 200, []byte(`{}`), make(http.Header), nil
		},
	}
}

// Do records the call and returns the configured response
func (m *MockClient) Do(ctx context.Context, method, targetURL string, headers http.Header, body []byte) (status int, respBody []byte, respHeaders http.Header, err error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{
		Method:  method,
		URL:     targetURL,
		Headers: headers.Clone(),
		Body:    append([]byte(nil), body...),
		Time:    time.Now(),
		Context: ctx,
	})
	fn := m.ResponseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(method, targetURL, body)
	}

	return 200, []byte(`{}`), make(http.Header), nil
}

// Reset clears all recorded calls
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = make([]MockCall, 0)
}

// GetCallsTo returns all calls whose URL path starts with prefix
func (m *MockClient) GetCallsTo(prefix string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []MockCall
	for _, call := range m.Calls {
		if strings.HasPrefix(call.URL, prefix) {
			result = append(result, call)
		}
	}
	return result
}
