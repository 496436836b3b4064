// Package prompt turns a template and fetched signal data into the text sent
// to the generation backend.
package prompt

import (
	"errors"
	"strings"

	"sigcast/internal/fetch"
	"sigcast/internal/signals"
)

// Placeholder marks where signal data goes. Every occurrence is replaced.
const Placeholder = "{{data}}"

// PreviewMarker stands in for the data when showing a template.
const PreviewMarker = "[SIGNAL DATA]"

// Separator joins entries from different signals.
const Separator = "\n\n"

var (
	ErrMissingPlaceholder = errors.New("template has no " + Placeholder + " placeholder")
	ErrEmptySelection     = errors.New("no fetched data for the selected signals")
)

func HasPlaceholder(tpl string) bool { return strings.Contains(tpl, Placeholder) }

// Data returns the text that Compose substitutes: the text form of each ID
// in order that has data, joined by Separator. IDs without data are skipped.
func Data(store *fetch.Store, order []signals.ID) string {
	parts := make([]string, 0, len(order))
	for _, id := range order {
		if p, ok := store.Get(id); ok {
			parts = append(parts, p.Text())
		}
	}
	return strings.Join(parts, Separator)
}

// Compose replaces every placeholder in tpl with the data for order. The
// placeholder check runs first so a bad template is reported even with an
// empty selection.
func Compose(tpl string, store *fetch.Store, order []signals.ID) (string, error) {
	if !HasPlaceholder(tpl) {
		return "", ErrMissingPlaceholder
	}
	if len(order) == 0 || store == nil {
		return "", ErrEmptySelection
	}
	found := false
	for _, id := range order {
		if store.Has(id) {
			found = true
			break
		}
	}
	if !found {
		return "", ErrEmptySelection
	}
	return strings.ReplaceAll(tpl, Placeholder, Data(store, order)), nil
}

// Render shows tpl with each placeholder replaced by marker.
func Render(tpl, marker string) string {
	if marker == "" {
		marker = PreviewMarker
	}
	return strings.ReplaceAll(tpl, Placeholder, marker)
}
