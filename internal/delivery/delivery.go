// Package delivery posts generated messages one at a time, pausing between
// items, and reports per-item status as it goes.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPosting Status = "posting"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether s ends a record's run.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusError }

// DefaultPacing is the pause between consecutive items.
const DefaultPacing = time.Second

// Credentials are the channel token and id. Both must be set.
type Credentials struct {
	BotToken  string
	ChannelID string
}

func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.BotToken) != "" && strings.TrimSpace(c.ChannelID) != ""
}

var ErrIncompleteCredentials = errors.New("delivery credentials are incomplete")

// Item is one message to deliver.
type Item struct {
	Label string
	Text  string
}

// Record is the status of one item within a run.
type Record struct {
	Label  string
	Status Status
	Err    string
	At     time.Time
}

// Error is a failed delivery of one item. It is recorded, not returned.
type Error struct {
	Label string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("deliver %s: %v", e.Label, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Sink is the delivery collaborator.
type Sink interface {
	Deliver(ctx context.Context, creds Credentials, item Item) error
}

type Result struct {
	Records []Record
	// Err is set when the run stopped early; unvisited records stay pending.
	Err error
}

func (r Result) Total() int { return len(r.Records) }

func (r Result) Succeeded() int { return r.count(StatusSuccess) }

func (r Result) Failed() int { return r.count(StatusError) }

func (r Result) count(s Status) int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status == s {
			n++
		}
	}
	return n
}

// Pipeline runs deliveries strictly in order.
type Pipeline struct {
	Sink   Sink
	Clock  Clock
	Pacing time.Duration
}

func New(sink Sink, clock Clock, pacing time.Duration) *Pipeline {
	if clock == nil {
		clock = RealClock
	}
	if pacing <= 0 {
		pacing = DefaultPacing
	}
	return &Pipeline{Sink: sink, Clock: clock, Pacing: pacing}
}

// Run delivers items in order. onUpdate, if set, receives a fresh copy of
// every record after each status change. Sink failures mark the item as
// error and the run continues. Cancellation is only observed between items.
func (p *Pipeline) Run(ctx context.Context, items []Item, creds Credentials, onUpdate func([]Record)) Result {
	recs := make([]Record, len(items))
	now := p.Clock.Now()
	for i, it := range items {
		recs[i] = Record{Label: it.Label, Status: StatusPending, At: now}
	}
	publish := func() {
		if onUpdate != nil {
			onUpdate(append([]Record(nil), recs...))
		}
	}
	publish()

	for i, it := range items {
		recs[i].Status, recs[i].At = StatusPosting, p.Clock.Now()
		publish()

		err := p.deliver(ctx, creds, it)
		recs[i].At = p.Clock.Now()
		if err != nil {
			recs[i].Status, recs[i].Err = StatusError, err.Error()
		} else {
			recs[i].Status = StatusSuccess
		}
		publish()

		if i == len(items)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Records: recs, Err: ctx.Err()}
		case <-p.Clock.After(p.Pacing):
		}
	}
	return Result{Records: recs}
}

func (p *Pipeline) deliver(ctx context.Context, creds Credentials, it Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Label: it.Label, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if !creds.Complete() {
		return &Error{Label: it.Label, Err: ErrIncompleteCredentials}
	}
	if err := p.Sink.Deliver(ctx, creds, it); err != nil {
		return &Error{Label: it.Label, Err: err}
	}
	return nil
}
