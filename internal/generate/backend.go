package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Backend talks to the HTTP collaborator:
//
//	POST {base}/api/generate-message {api_key, prompt, data} -> {content}
//	POST {base}/api/check-openai     {api_key}               -> 2xx when valid
type Backend struct {
	base   string
	client *http.Client
}

func NewBackend(baseURL string, timeout time.Duration, client *http.Client) *Backend {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Backend{base: strings.TrimRight(baseURL, "/"), client: client}
}

type generateBody struct {
	APIKey string          `json:"api_key"`
	Prompt string          `json:"prompt"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type generateResult struct {
	Content string `json:"content"`
}

func (b *Backend) Generate(ctx context.Context, cred Credential, req Request) (string, error) {
	resp, err := b.post(ctx, "/api/generate-message", generateBody{APIKey: cred.APIKey, Prompt: req.Prompt, Data: req.Data})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w (http %d)", ErrInvalidCredential, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}
	var out generateResult
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Content, nil
}

func (b *Backend) Validate(ctx context.Context, cred Credential) (bool, error) {
	if cred.Empty() {
		return false, nil
	}
	resp, err := b.post(ctx, "/api/check-openai", struct {
		APIKey string `json:"api_key"`
	}{cred.APIKey})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode/100 == 2, nil
}

func (b *Backend) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.client.Do(req)
}
