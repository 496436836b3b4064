// Package fetch retrieves raw signal payloads from the data collaborator and
// records them in a Store.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"sigcast/internal/signals"
)

var ErrUnknownSignal = errors.New("unknown signal")

// Error reports a failed fetch for one signal.
type Error struct {
	ID  signals.ID
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("fetch %s: %v", e.ID, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Source is the data collaborator.
type Source interface {
	Fetch(ctx context.Context, id signals.ID) (Payload, error)
}

// Coordinator fetches through a Source and stores successful results.
type Coordinator struct {
	catalog *signals.Catalog
	source  Source
	store   *Store
}

func NewCoordinator(catalog *signals.Catalog, source Source, store *Store) *Coordinator {
	if catalog == nil {
		catalog = signals.Default()
	}
	if store == nil {
		store = NewStore()
	}
	return &Coordinator{catalog: catalog, source: source, store: store}
}

func (c *Coordinator) Store() *Store { return c.store }

// Fetch makes one attempt. On failure nothing is stored and the error is an
// *Error carrying id.
func (c *Coordinator) Fetch(ctx context.Context, id signals.ID) (p Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, &Error{ID: id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if !c.catalog.Contains(id) {
		return nil, &Error{ID: id, Err: ErrUnknownSignal}
	}
	p, err = c.source.Fetch(ctx, id)
	if err != nil {
		return nil, &Error{ID: id, Err: err}
	}
	if len(p) == 0 {
		return nil, &Error{ID: id, Err: ErrEmptyResponse}
	}
	c.store.Put(id, p)
	return p, nil
}
