package nginxctl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StubStatus holds the parsed counters from nginx's stub_status endpoint,
// with the scraper's own connection subtracted out.
type StubStatus struct {
	ActiveConnections int `json:"activeConnections"`
	Accepts           int `json:"accepts"`
	Handled           int `json:"handled"`
	Requests          int `json:"requests"`
	Reading           int `json:"reading"`
	Writing           int `json:"writing"`
	Waiting           int `json:"waiting"`
}

// StatusClient scrapes the stub_status endpoint exposed by the default
// server block.
type StatusClient struct {
	url    string
	client *http.Client
}

// NewStatusClient returns a client for the given stub_status URL.
func NewStatusClient(url string) *StatusClient {
	return &StatusClient{
		url:    url,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

// Fetch scrapes and parses the endpoint.
func (s *StatusClient) Fetch(ctx context.Context) (*StubStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stub_status request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach stub_status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stub_status returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("failed to read stub_status body: %w", err)
	}
	return ParseStubStatus(string(body))
}

// ParseStubStatus parses the three-line stub_status format:
//
//	Active connections: 3
//	server accepts handled requests
//	 100 100 250
//	Reading: 0 Writing: 1 Waiting: 2
//
// The scrape itself holds one connection in Writing, so one is subtracted
// from the active and writing counts, never below zero.
func ParseStubStatus(body string) (*StubStatus, error) {
	st := &StubStatus{}
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) < 4 {
		return nil, fmt.Errorf("malformed stub_status payload: %d lines", len(lines))
	}

	if _, err := fmt.Sscanf(lines[0], "Active connections: %d", &st.ActiveConnections); err != nil {
		return nil, fmt.Errorf("malformed active connections line: %w", err)
	}

	counters := strings.Fields(lines[2])
	if len(counters) != 3 {
		return nil, fmt.Errorf("malformed server counters line: %q", lines[2])
	}
	var convErr error
	atoi := func(s string) int {
		n, err := strconv.Atoi(s)
		if err != nil && convErr == nil {
			convErr = err
		}
		return n
	}
	st.Accepts = atoi(counters[0])
	st.Handled = atoi(counters[1])
	st.Requests = atoi(counters[2])
	if convErr != nil {
		return nil, fmt.Errorf("malformed server counters line: %w", convErr)
	}

	if _, err := fmt.Sscanf(lines[3], "Reading: %d Writing: %d Waiting: %d",
		&st.Reading, &st.Writing, &st.Waiting); err != nil {
		return nil, fmt.Errorf("malformed connection states line: %w", err)
	}

	// Exclude this scrape's own connection.
	if st.ActiveConnections > 0 {
		st.ActiveConnections--
	}
	if st.Writing > 0 {
		st.Writing--
	}
	return st, nil
}
