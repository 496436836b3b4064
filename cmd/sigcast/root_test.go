package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
backend:
  base_url: "http://127.0.0.1:1"
signals:
  catalog: [btc, fr, vol]
  selected: [fr]
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", p}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSignalsMarksSelection(t *testing.T) {
	out, err := execute(t, "signals")
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	want := "  btc\n* fr\n  vol\n"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestRunRejectsUnknownSignal(t *testing.T) {
	_, err := execute(t, "run", "--signal", "ghost")
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckKeyWithoutKey(t *testing.T) {
	out, err := execute(t, "check-key")
	if err == nil || !strings.Contains(err.Error(), "no generation key") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out, "backend: idle") {
		t.Fatalf("output = %q", out)
	}
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "run", "signals", "check-key"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
}
