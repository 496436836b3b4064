// Package generate sends composed prompts to a text-generation provider and
// checks generation credentials.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Credential is the generation API key. It is never logged.
type Credential struct {
	APIKey string
}

func (c Credential) Empty() bool { return strings.TrimSpace(c.APIKey) == "" }

// Request is one generation call. Prompt is sent verbatim; Data is the raw
// signal data behind it, for providers that accept it alongside the prompt.
type Request struct {
	Prompt string
	Data   json.RawMessage
}

type Generator interface {
	Generate(ctx context.Context, cred Credential, req Request) (string, error)
}

// Validator checks whether a credential is accepted by the provider.
type Validator interface {
	Validate(ctx context.Context, cred Credential) (bool, error)
}

var (
	ErrInvalidCredential = errors.New("generation credential is empty or rejected")
	ErrEmptyResult       = errors.New("provider returned no text")
)

// Error wraps any failure of one generation call.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("generate (%s): %v", e.Provider, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Invoker makes exactly one call per Generate, with no retry, and maps every
// failure to *Error.
type Invoker struct {
	name string
	gen  Generator
}

func NewInvoker(name string, gen Generator) *Invoker {
	return &Invoker{name: name, gen: gen}
}

func (i *Invoker) Provider() string { return i.name }

func (i *Invoker) Generate(ctx context.Context, cred Credential, req Request) (string, error) {
	if cred.Empty() {
		return "", &Error{Provider: i.name, Err: ErrInvalidCredential}
	}
	out, err := i.gen.Generate(ctx, cred, req)
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			return "", ge
		}
		return "", &Error{Provider: i.name, Err: err}
	}
	if strings.TrimSpace(out) == "" {
		return "", &Error{Provider: i.name, Err: ErrEmptyResult}
	}
	return out, nil
}

// Verdict annotates the current credential. It never gates an operation.
type Verdict string

const (
	VerdictIdle       Verdict = "idle"
	VerdictValidating Verdict = "validating"
	VerdictValid      Verdict = "valid"
	VerdictInvalid    Verdict = "invalid"
)
