package delivery

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"sigcast/internal/transport/telegram"
)

// TelegramSink posts straight to the Bot API with the credential's token.
// Every outgoing message, split chunks included, waits on a shared limiter.
type TelegramSink struct {
	apiURL  string
	limiter *rate.Limiter

	mu      sync.Mutex
	posters map[string]*telegram.Poster
}

// NewTelegramSink allows ratePerSec messages per second (burst 1). apiURL
// is normally empty.
func NewTelegramSink(ratePerSec int, apiURL string) *TelegramSink {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &TelegramSink{
		apiURL:  apiURL,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		posters: map[string]*telegram.Poster{},
	}
}

func (s *TelegramSink) poster(token string) (*telegram.Poster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.posters[token]; ok {
		return p, nil
	}
	p, err := telegram.NewPoster(token, s.apiURL)
	if err != nil {
		return nil, err
	}
	s.posters[token] = p
	return p, nil
}

func (s *TelegramSink) Deliver(ctx context.Context, creds Credentials, item Item) error {
	p, err := s.poster(creds.BotToken)
	if err != nil {
		return err
	}
	for _, chunk := range telegram.SplitText(item.Text, telegram.TextLimit, "") {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := p.Post(ctx, creds.ChannelID, chunk); err != nil {
			return err
		}
	}
	return nil
}
