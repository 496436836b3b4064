package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// H is HTML that is already safe for ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks s as already-safe HTML.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Pre renders a preformatted block. Keep s short enough to fit in one
// message; tags must balance per message.
func Pre(s string) H {
	return H("<pre>" + html.EscapeString(s) + "</pre>")
}

// JoinH joins non-empty parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) != "" {
			ss = append(ss, p.String())
		}
	}
	return H(strings.Join(ss, sep))
}

// TruncRunes cuts s to at most n runes, appending "…" when it cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n-1 {
			return s[:pos] + "…"
		}
		i++
	}
	return s
}
