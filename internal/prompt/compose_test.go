package prompt

import (
	"errors"
	"strings"
	"testing"

	"sigcast/internal/fetch"
	"sigcast/internal/signals"
)

func storeOf(kv map[signals.ID]string) *fetch.Store {
	s := fetch.NewStore()
	for k, v := range kv {
		s.Put(k, fetch.Payload(v))
	}
	return s
}

func TestComposeJoinsInOrder(t *testing.T) {
	store := storeOf(map[signals.ID]string{"a": `"DATA_A"`, "b": `"DATA_B"`})
	got, err := Compose("X: {{data}}", store, []signals.ID{"a", "b"})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if got != "X: DATA_A\n\nDATA_B" {
		t.Fatalf("Compose() = %q", got)
	}
}

func TestComposeReplacesEveryOccurrence(t *testing.T) {
	store := storeOf(map[signals.ID]string{"a": `"A"`})
	got, err := Compose("{{data}}|{{data}}", store, []signals.ID{"a"})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if got != "A|A" {
		t.Fatalf("Compose() = %q", got)
	}
}

func TestComposeMissingPlaceholderWins(t *testing.T) {
	store := storeOf(map[signals.ID]string{"a": `"A"`})
	for _, order := range [][]signals.ID{nil, {"a"}, {"zzz"}} {
		if _, err := Compose("hello", store, order); !errors.Is(err, ErrMissingPlaceholder) {
			t.Fatalf("order %v: err = %v, want ErrMissingPlaceholder", order, err)
		}
	}
}

func TestComposeEmptySelection(t *testing.T) {
	store := storeOf(map[signals.ID]string{"a": `"A"`})
	if _, err := Compose("{{data}}", store, nil); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("empty order: err = %v", err)
	}
	if _, err := Compose("{{data}}", store, []signals.ID{"b"}); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("unfetched order: err = %v", err)
	}
}

func TestComposeSkipsUnfetched(t *testing.T) {
	store := storeOf(map[signals.ID]string{"b": `{"v":2}`})
	got, err := Compose("{{data}}", store, []signals.ID{"a", "b"})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if got != `{"v":2}` {
		t.Fatalf("Compose() = %q", got)
	}
}

func TestComposeDeterministic(t *testing.T) {
	store := storeOf(map[signals.ID]string{"a": `[1,2]`, "b": `{"k":"v"}`, "c": `"s"`})
	order := []signals.ID{"c", "a", "b"}
	first, err := Compose("{{data}}", store, order)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	for i := 0; i < 20; i++ {
		got, _ := Compose("{{data}}", store, order)
		if got != first {
			t.Fatalf("run %d differs: %q vs %q", i, got, first)
		}
	}
}

func TestRenderAndPresets(t *testing.T) {
	if got := Render("a {{data}} b", ""); got != "a [SIGNAL DATA] b" {
		t.Fatalf("Render() = %q", got)
	}
	if len(Presets()) != 3 {
		t.Fatalf("Presets() = %d", len(Presets()))
	}
	for i, p := range Presets() {
		if !strings.Contains(p, Placeholder) {
			t.Fatalf("preset %d lacks placeholder", i+1)
		}
	}
	if _, ok := Preset(0); ok {
		t.Fatal("Preset(0) should be out of range")
	}
	if p, ok := Preset(1); !ok || p != Presets()[0] {
		t.Fatal("Preset(1) mismatch")
	}
}
