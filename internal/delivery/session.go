package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrSessionFields means a session request was missing one of its fields.
var ErrSessionFields = errors.New("api_id, api_hash, phone and target_username are all required")

// SessionRequest asks the collaborator to log a Telegram user account in and
// bind it to a target chat.
type SessionRequest struct {
	APIID          string `json:"api_id"`
	APIHash        string `json:"api_hash"`
	Phone          string `json:"phone"`
	TargetUsername string `json:"target_username"`
}

func (r SessionRequest) complete() bool {
	for _, v := range []string{r.APIID, r.APIHash, r.Phone, r.TargetUsername} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// SessionClient creates user-account sessions through the HTTP collaborator:
//
//	POST {base}/api/integrate_telegram {api_id, api_hash, phone, target_username} -> {session_name}
type SessionClient struct {
	base   string
	client *http.Client
}

func NewSessionClient(baseURL string, timeout time.Duration, client *http.Client) *SessionClient {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &SessionClient{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Integrate returns the name of the created session. A non-2xx reply is
// reported with the collaborator's "message" field when it sends one.
func (s *SessionClient) Integrate(ctx context.Context, r SessionRequest) (string, error) {
	if !r.complete() {
		return "", ErrSessionFields
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/api/integrate_telegram", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	var out struct {
		SessionName string `json:"session_name"`
		Message     string `json:"message"`
	}
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode/100 != 2 {
		if msg := strings.TrimSpace(out.Message); msg != "" {
			return "", fmt.Errorf("http %d: %s", resp.StatusCode, msg)
		}
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}
	name := strings.TrimSpace(out.SessionName)
	if name == "" {
		return "", errors.New("response has no session_name")
	}
	return name, nil
}
