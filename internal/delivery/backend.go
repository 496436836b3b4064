package delivery

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

// BackendSink posts through the HTTP collaborator:
//
//	POST {base}/api/send-signal {bot_token, channel_id, messages:[{type, content}]}
type BackendSink struct {
	base   string
	client *http.Client
}

func NewBackendSink(baseURL string, timeout time.Duration, client *http.Client) *BackendSink {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &BackendSink{base: strings.TrimRight(baseURL, "/"), client: client}
}

type sendMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type sendBody struct {
	BotToken  string        `json:"bot_token"`
	ChannelID string        `json:"channel_id"`
	Messages  []sendMessage `json:"messages"`
}

func (s *BackendSink) Deliver(ctx context.Context, creds Credentials, item Item) error {
	raw, err := json.Marshal(sendBody{
		BotToken:  creds.BotToken,
		ChannelID: creds.ChannelID,
		Messages:  []sendMessage{{Type: item.Label, Content: item.Text}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/api/send-signal", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
