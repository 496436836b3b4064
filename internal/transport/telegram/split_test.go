package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortPassesThrough(t *testing.T) {
	got := SplitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("SplitText() = %q", got)
	}
	if got := SplitText("", 10, ""); len(got) != 1 {
		t.Fatalf("empty input should yield one chunk, got %d", len(got))
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	s := strings.Repeat("₿", 25)
	got := SplitText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for i, c := range got {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
	if strings.Join(got, "") != s {
		t.Fatal("chunks do not reassemble the input")
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	s := "aaaaaa\nbbbbbbbbbb"
	got := SplitText(s, 10, "")
	if got[0] != "aaaaaa" {
		t.Fatalf("first chunk = %q, want %q", got[0], "aaaaaa")
	}
	if got[1] != "bbbbbbbbbb" {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitTextAvoidsCuttingHTMLTag(t *testing.T) {
	s := "abcdef<b>bold</b>"
	got := SplitText(s, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q, want %q", got[0], "abcdef")
	}
}
