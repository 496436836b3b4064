package pipeline

import (
	"context"
	"errors"
	"time"

	"sigcast/internal/delivery"
	"sigcast/internal/generate"
	"sigcast/internal/signals"
)

var (
	// ErrNotReady means a guard failed; the call changed nothing.
	ErrNotReady = errors.New("not ready")
	// ErrBusy means the same operation is already running.
	ErrBusy          = errors.New("operation already running")
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrNoSessions means no session integrator is configured.
	ErrNoSessions = errors.New("telegram session integration is not configured")
)

// Mode selects how fetched data is turned into messages.
type Mode string

const (
	// ModeCombined merges every selected signal into one prompt and one
	// message labelled CombinedLabel.
	ModeCombined Mode = "combined"
	// ModePerSignal generates one message per fetched signal, labelled with
	// the signal id.
	ModePerSignal Mode = "per_signal"
)

const CombinedLabel = "combined"

// Event types published on the bus.
const (
	EventFetchDone        = "fetch.done"
	EventFetchFailed      = "fetch.failed"
	EventGenerateDone     = "generate.done"
	EventGenerateFailed   = "generate.failed"
	EventDeliveryProgress = "delivery.progress"
	EventDeliveryDone     = "delivery.done"
)

// Message is one generated text ready for delivery.
type Message struct {
	Label string
	Text  string
}

// FetchEvent is the payload of fetch.done and fetch.failed.
type FetchEvent struct {
	ID  signals.ID
	Err error
}

// GenerateEvent is the payload of generate.done and generate.failed.
type GenerateEvent struct {
	Messages int
	Err      error
}

// ProgressEvent is the payload of delivery.progress.
type ProgressEvent struct {
	RunID   string
	Records []delivery.Record
}

// RunSummary describes one finished delivery run. It is the payload of
// delivery.done.
type RunSummary struct {
	RunID     string
	Trigger   string
	Mode      Mode
	Signals   []signals.ID
	Records   []delivery.Record
	Succeeded int
	Total     int
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// SessionIntegrator creates a Telegram user-account session and returns its
// name.
type SessionIntegrator interface {
	Integrate(ctx context.Context, r delivery.SessionRequest) (string, error)
}

// RunRecorder persists finished runs. It is write-only; nothing is read back.
type RunRecorder interface {
	RecordRun(s RunSummary)
}

// Readiness lists which preconditions hold for generation and posting.
type Readiness struct {
	HasSelection   bool
	HasPlaceholder bool
	HasKey         bool
	HasMessage     bool
	HasChannel     bool
}

func (r Readiness) CanGenerate() bool { return r.HasSelection && r.HasPlaceholder && r.HasKey }

func (r Readiness) CanPost() bool { return r.HasMessage && r.HasChannel }

// MissingForGenerate names the unmet generation preconditions.
func (r Readiness) MissingForGenerate() []string {
	var out []string
	if !r.HasSelection {
		out = append(out, "no signals selected")
	}
	if !r.HasPlaceholder {
		out = append(out, "template lacks {{data}}")
	}
	if !r.HasKey {
		out = append(out, "generation key not set")
	}
	return out
}

// MissingForPost names the unmet posting preconditions.
func (r Readiness) MissingForPost() []string {
	var out []string
	if !r.HasMessage {
		out = append(out, "no generated message")
	}
	if !r.HasChannel {
		out = append(out, "bot token or channel id not set")
	}
	return out
}

// State is a point-in-time copy of the controller.
type State struct {
	Mode      Mode
	Selection []signals.ID
	Fetched   []signals.ID
	InFlight  []signals.ID
	Template  string
	Messages  []Message
	Records   []delivery.Record
	LastRunID string

	HasKey    bool
	Verdict   generate.Verdict
	ChannelID string
	HasToken  bool
	// Session is the last integrated Telegram session, empty when none.
	Session string

	IsLoading    bool
	IsGenerating bool
	IsPosting    bool

	Readiness Readiness
}
