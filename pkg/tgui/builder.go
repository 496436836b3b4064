package tgui

import (
	"context"
	"strings"

	kit "sigcast/internal/transport"
)

// Message is rendered text plus its send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	return ad.SendText(ctx, to, m.Text, m.Opt)
}

func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef) error {
	return ad.EditText(ctx, ref, m.Text, m.Opt)
}

// Builder assembles an HTML message line by line. Previews are disabled.
type Builder struct {
	lines  []string
	inline *Inline
}

func New() *Builder { return &Builder{} }

func (b *Builder) Title(emoji, title string) *Builder {
	t := wrap("b", Esc(strings.TrimSpace(title))).String()
	if e := strings.TrimSpace(emoji); e != "" {
		t = Esc(e).String() + " " + t
	}
	b.lines = append(b.lines, t)
	return b
}

func (b *Builder) Section(title string) *Builder {
	if t := strings.TrimSpace(title); t != "" {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

// Line appends escaped text. An empty string adds a blank line.
func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// HTML appends pre-rendered HTML.
func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV adds "• key: value" with a bold key.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(strings.TrimSpace(value)).String())
	return b
}

func (b *Builder) Pre(s string) *Builder {
	if s = strings.TrimRight(s, "\n"); s != "" {
		b.lines = append(b.lines, Pre(s).String())
	}
	return b
}

func (b *Builder) Inline(kb *Inline) *Builder {
	b.inline = kb
	return b
}

func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if b.inline != nil && b.inline.Len() > 0 {
		opt.ReplyMarkupAdapter = b.inline.Markup()
	}
	return Message{Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"), Opt: opt}
}
