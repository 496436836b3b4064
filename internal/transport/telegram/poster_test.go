package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseChannel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "-1001234567890", want: "-1001234567890"},
		{in: " @signals ", want: "@signals"},
		{in: "", wantErr: true},
		{in: "@", wantErr: true},
		{in: "signals", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseChannel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseChannel(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseChannel(%q) error: %v", tc.in, err)
		}
		if got.Recipient() != tc.want {
			t.Fatalf("ParseChannel(%q) = %q, want %q", tc.in, got.Recipient(), tc.want)
		}
	}
}

func TestParseChannelEmptyIsSentinel(t *testing.T) {
	if _, err := ParseChannel("  "); !errors.Is(err, ErrEmptyChannel) {
		t.Fatalf("err = %v, want ErrEmptyChannel", err)
	}
}

func TestNewPosterRejectsEmptyToken(t *testing.T) {
	if _, err := NewPoster(" ", ""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestPosterSplitsLongText(t *testing.T) {
	var chats []string
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		chats = append(chats, fmt.Sprint(body["chat_id"]))
		texts = append(texts, fmt.Sprint(body["text"]))
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"chat":{"id":-100}}}`)
	}))
	defer srv.Close()

	p, err := NewPoster("123:abc", srv.URL)
	if err != nil {
		t.Fatalf("NewPoster() error: %v", err)
	}
	text := strings.Repeat("a", TextLimit) + strings.Repeat("b", 10)
	n, err := p.Post(context.Background(), "@signals", text)
	if err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	if n != 2 || len(texts) != 2 {
		t.Fatalf("sent %d chunks (server saw %d), want 2", n, len(texts))
	}
	if chats[0] != "@signals" {
		t.Fatalf("chat_id = %q", chats[0])
	}
	if texts[1] != strings.Repeat("b", 10) {
		t.Fatalf("second chunk = %q", texts[1])
	}
}

func TestPosterSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	}))
	defer srv.Close()

	p, err := NewPoster("123:abc", srv.URL)
	if err != nil {
		t.Fatalf("NewPoster() error: %v", err)
	}
	if _, err := p.Post(context.Background(), "-100", "hi"); err == nil {
		t.Fatal("expected error")
	}
}
