package generate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.0-flash"

// Gemini generates with the Google GenAI SDK. The credential is the Gemini
// API key; one client is kept per key.
type Gemini struct {
	model   string
	baseURL string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini returns a provider for model. baseURL overrides the API
// endpoint and is normally empty.
func NewGemini(model, baseURL string) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{model: model, baseURL: baseURL, clients: map[string]*genai.Client{}}
}

func (g *Gemini) client(ctx context.Context, key string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[key]; ok {
		return c, nil
	}
	cc := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	if g.baseURL != "" {
		cc.HTTPOptions.BaseURL = g.baseURL
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	g.clients[key] = c
	return c, nil
}

func (g *Gemini) Generate(ctx context.Context, cred Credential, req Request) (string, error) {
	c, err := g.client(ctx, cred.APIKey)
	if err != nil {
		return "", err
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := c.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Validate looks up the configured model; the lookup only succeeds with an
// accepted key.
func (g *Gemini) Validate(ctx context.Context, cred Credential) (bool, error) {
	if cred.Empty() {
		return false, nil
	}
	c, err := g.client(ctx, cred.APIKey)
	if err != nil {
		return false, err
	}
	if _, err := c.Models.Get(ctx, g.model, nil); err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 400 || apiErr.Code == 401 || apiErr.Code == 403) {
			g.forget(cred.APIKey)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *Gemini) forget(key string) {
	g.mu.Lock()
	delete(g.clients, key)
	g.mu.Unlock()
}
