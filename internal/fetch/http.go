package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sigcast/internal/signals"
)

// maxBody bounds how much of a response is read.
const maxBody = 8 << 20

// HTTPSource calls GET {base}/api/fetch-data?type=<id>.
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource builds a source for baseURL. timeout 0 means none.
func NewHTTPSource(baseURL string, timeout time.Duration, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context, id signals.ID) (Payload, error) {
	u := s.base + "/api/fetch-data?type=" + url.QueryEscape(string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, snippet(body))
	}
	return ParsePayload(body)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
