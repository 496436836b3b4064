package bot

import (
	"reflect"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "a b  c", want: []string{"a", "b", "c"}},
		{in: `a "b c" 'd e'`, want: []string{"a", "b c", "d e"}},
		{in: `a\ b --k=v`, want: []string{"a b", "--k=v"}},
	}
	for _, tt := range tests {
		if got := tokenizeCommandLine(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("tokenizeCommandLine(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	pos, flags, bools := parseFlags([]string{"a", "--n=3", "--mode", "x", "--all", "-v", "b"})
	if !reflect.DeepEqual(pos, []string{"a"}) {
		t.Fatalf("pos = %v", pos)
	}
	if flags["n"] != "3" || flags["mode"] != "x" || flags["v"] != "b" {
		t.Fatalf("flags = %v", flags)
	}
	if !bools["all"] {
		t.Fatalf("bools = %v", bools)
	}

	pos, flags, _ = parseFlags([]string{"channel", "123:abc", "-1001234", "--chat", "-42"})
	if !reflect.DeepEqual(pos, []string{"channel", "123:abc", "-1001234"}) {
		t.Fatalf("negative ids must stay positional, pos = %v", pos)
	}
	if flags["chat"] != "-42" {
		t.Fatalf("flags = %v", flags)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, word, rest string
	}{
		{in: "/status", word: "status"},
		{in: "/Status@sigcast_bot now", word: "status", rest: "now"},
		{in: "/template line one\nline two", word: "template", rest: "line one\nline two"},
		{in: "/template\nX: {{data}}", word: "template", rest: "X: {{data}}"},
		{in: "hello", word: ""},
	}
	for _, tt := range tests {
		w, r := splitCommand(tt.in)
		if w != tt.word || r != tt.rest {
			t.Fatalf("splitCommand(%q) = %q, %q; want %q, %q", tt.in, w, r, tt.word, tt.rest)
		}
	}
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"signals", "signals"},
		{"Check-Key", "check_key"},
		{"a  b", "a_b"},
		{"9lives", "cmd_9lives"},
		{"!!!", ""},
		{"__x__", "x"},
	}
	for _, tt := range tests {
		if got := sanitizeCommand(tt.in); got != tt.want {
			t.Fatalf("sanitizeCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
