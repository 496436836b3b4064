package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// ErrEmptyChannel is returned when a poster is asked to publish without a
// destination.
var ErrEmptyChannel = errors.New("telegram: channel id is empty")

// channel is a tele.Recipient for public "@name" channels, which have no
// numeric id until resolved.
type channel string

func (c channel) Recipient() string { return string(c) }

// ParseChannel accepts a numeric chat id ("-100123...") or a public channel
// username ("@name").
func ParseChannel(s string) (tele.Recipient, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyChannel
	}
	if strings.HasPrefix(s, "@") {
		if len(s) == 1 {
			return nil, errors.New("telegram: channel username is empty")
		}
		return channel(s), nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, errors.New("telegram: channel id must be numeric or @username")
	}
	return tele.ChatID(id), nil
}

// Poster publishes text to a channel with a bot token that is not the
// operator bot's. It never polls.
type Poster struct {
	bot *tele.Bot
}

// NewPoster builds a poster for token. apiURL overrides the Bot API
// endpoint and is normally empty.
func NewPoster(token, apiURL string) (*Poster, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{URL: apiURL, Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Poster{bot: b}, nil
}

// Post sends text to the channel, splitting it into as many messages as
// needed. The text is sent verbatim (no parse mode).
func (p *Poster) Post(ctx context.Context, channelID string, text string) (int, error) {
	to, err := ParseChannel(channelID)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, chunk := range SplitText(text, TextLimit, "") {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if _, err := p.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
