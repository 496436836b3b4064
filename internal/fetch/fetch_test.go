package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"sigcast/internal/signals"
)

func TestParsePayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "object", in: `{ "a": 1 }`, want: `{"a":1}`},
		{name: "single element unwrapped", in: `[ {"a":1} ]`, want: `{"a":1}`},
		{name: "many kept", in: `[1, 2]`, want: `[1,2]`},
		{name: "string", in: `"DATA_A"`, want: `"DATA_A"`},
		{name: "empty array", in: `[]`, wantErr: ErrEmptyResponse},
		{name: "empty body", in: "  ", wantErr: ErrEmptyResponse},
	}
	for _, tc := range cases {
		got, err := ParsePayload([]byte(tc.in))
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}

	if _, err := ParsePayload([]byte("{nope")); err == nil {
		t.Fatal("invalid JSON accepted")
	}
}

func TestPayloadText(t *testing.T) {
	if got := Payload(`"DATA_A"`).Text(); got != "DATA_A" {
		t.Fatalf("Text() = %q", got)
	}
	if got := Payload(`{"a":1}`).Text(); got != `{"a":1}` {
		t.Fatalf("Text() = %q", got)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/fetch-data" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("type") {
		case "btc":
			_, _ = w.Write([]byte(`[{"price":67000}]`))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", 0, nil)
	p, err := src.Fetch(context.Background(), "btc")
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if string(p) != `{"price":67000}` {
		t.Fatalf("payload = %s", p)
	}
	if _, err := src.Fetch(context.Background(), "fr"); err == nil {
		t.Fatal("expected error for 502")
	}
}

type stubSource struct {
	calls atomic.Int32
	fail  bool
}

func (s *stubSource) Fetch(ctx context.Context, id signals.ID) (Payload, error) {
	s.calls.Add(1)
	if s.fail {
		return nil, errors.New("down")
	}
	return Payload(`"` + string(id) + `"`), nil
}

func TestCoordinatorStoresOnlySuccess(t *testing.T) {
	src := &stubSource{}
	c := NewCoordinator(signals.Default(), src, nil)

	if _, err := c.Fetch(context.Background(), "btc"); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if !c.Store().Has("btc") {
		t.Fatal("payload not stored")
	}

	src.fail = true
	_, err := c.Fetch(context.Background(), "fr")
	var fe *Error
	if !errors.As(err, &fe) || fe.ID != "fr" {
		t.Fatalf("err = %v, want *Error for fr", err)
	}
	if c.Store().Has("fr") {
		t.Fatal("failed fetch must not store")
	}
}

func TestCoordinatorRejectsUnknownSignal(t *testing.T) {
	src := &stubSource{}
	c := NewCoordinator(signals.Default(), src, nil)
	_, err := c.Fetch(context.Background(), "doge")
	if !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("err = %v, want ErrUnknownSignal", err)
	}
	if src.calls.Load() != 0 {
		t.Fatal("source called for unknown signal")
	}
}

type panicSource struct{}

func (panicSource) Fetch(context.Context, signals.ID) (Payload, error) { panic("boom") }

func TestCoordinatorRecoversSourcePanic(t *testing.T) {
	c := NewCoordinator(signals.Default(), panicSource{}, nil)
	_, err := c.Fetch(context.Background(), "btc")
	var fe *Error
	if !errors.As(err, &fe) || fe.ID != "btc" || !strings.Contains(fe.Error(), "panic: boom") {
		t.Fatalf("err = %v, want *Error carrying the panic", err)
	}
	if c.Store().Has("btc") {
		t.Fatal("panicked fetch must not store")
	}
}
