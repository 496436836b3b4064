package tgui

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats callback data as "scope:action[:payload]".
func Data(scope, action, payload string) (string, error) {
	s := strings.TrimSpace(scope) + ":" + strings.TrimSpace(action)
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// Inline builds an inline keyboard row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Grid lays buttons out cols per row.
func (i *Inline) Grid(cols int, btns []tele.Btn) *Inline {
	if cols <= 0 {
		cols = 1
	}
	for len(btns) > 0 {
		n := min(cols, len(btns))
		i.Row(btns[:n]...)
		btns = btns[n:]
	}
	return i
}

func (i *Inline) Len() int { return len(i.rows) }

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn is a callback button carrying raw data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}
