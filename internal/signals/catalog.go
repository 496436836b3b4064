// Package signals is the registry of selectable signal sources.
package signals

import "strings"

// ID names one signal source. It is passed verbatim to the fetch endpoint.
type ID string

var builtin = []ID{
	"btc",
	"top_5m", "top_15m", "top_30m", "top_1h", "top2h", "top_4h",
	"top_6h", "top_8h", "top_12h", "top_1d",
	"fr", "vol",
	"oi15", "oi30", "oi60",
	"upbit",
}

// DefaultFeatured is how many leading entries are shown before "show all".
const DefaultFeatured = 8

// Catalog is an immutable ordered set of IDs.
type Catalog struct {
	ids   []ID
	index map[ID]int
}

// Default returns the built-in catalog.
func Default() *Catalog { return New(nil) }

// New builds a catalog from ids, dropping blanks and duplicates. An empty
// result falls back to the built-in list.
func New(ids []string) *Catalog {
	c := &Catalog{index: map[ID]int{}}
	for _, s := range ids {
		id := ID(strings.TrimSpace(s))
		if id == "" {
			continue
		}
		if _, dup := c.index[id]; dup {
			continue
		}
		c.index[id] = len(c.ids)
		c.ids = append(c.ids, id)
	}
	if len(c.ids) == 0 {
		for i, id := range builtin {
			c.index[id] = i
		}
		c.ids = append([]ID(nil), builtin...)
	}
	return c
}

// List returns the IDs in catalog order. The slice is a copy.
func (c *Catalog) List() []ID { return append([]ID(nil), c.ids...) }

func (c *Catalog) Contains(id ID) bool {
	_, ok := c.index[id]
	return ok
}

// Featured returns the first n IDs (all of them if n exceeds the size).
func (c *Catalog) Featured(n int) []ID {
	if n <= 0 || n > len(c.ids) {
		n = len(c.ids)
	}
	return append([]ID(nil), c.ids[:n]...)
}

func (c *Catalog) Len() int { return len(c.ids) }

// Strings converts ids for logging and storage.
func Strings(ids []ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
