package roi

import (
	"image"
	"math"
)

// Entry is one mapped region in pixel space of the preprocessed image.
type Entry struct {
	Key  string
	Mode Mode
	Rect image.Rectangle
}

// Map holds the mapped regions in template order. Keys are unique.
type Map struct {
	Entries []Entry
	index   map[string]int
}

// Get returns the entry for key.
func (m *Map) Get(key string) (Entry, bool) {
	i, ok := m.index[key]
	if !ok {
		return Entry{}, false
	}
	return m.Entries[i], true
}

// Keys returns the keys in template order.
func (m *Map) Keys() []string {
	keys := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		keys[i] = e.Key
	}
	return keys
}

// Build maps the regions of t onto a w x h image. When table is non-empty,
// table-anchored regions are re-expressed relative to it: a region's offset
// within the template's nominal table box is applied to the detected box.
// Page-anchored regions always use whole-page fractions.
func Build(t *Template, w, h int, table image.Rectangle) *Map {
	m := &Map{Entries: make([]Entry, 0, len(t.Regions)), index: make(map[string]int, len(t.Regions))}
	bounds := image.Rect(0, 0, w, h)
	useTable := !table.Empty() && t.Table.W > 0 && t.Table.H > 0
	for _, r := range t.Regions {
		var rect image.Rectangle
		if r.Anchor == AnchorTable && useTable {
			rect = tableRelative(r.Box, t.Table, table)
		} else {
			rect = pageRelative(r.Box, w, h)
		}
		m.index[r.Key] = len(m.Entries)
		m.Entries = append(m.Entries, Entry{Key: r.Key, Mode: r.Mode, Rect: rect.Intersect(bounds)})
	}
	return m
}

// frac converts a page fraction to whole pixels, truncating.
func frac(f float64, n int) int { return int(f*float64(n) + 1e-9) }

// Rect returns the page-relative box in pixels of a w x h page.
func (b Box) Rect(w, h int) image.Rectangle { return pageRelative(b, w, h) }

func pageRelative(b Box, w, h int) image.Rectangle {
	x, y := frac(b.X, w), frac(b.Y, h)
	return image.Rect(x, y, x+frac(b.W, w), y+frac(b.H, h))
}

func tableRelative(b, nominal Box, table image.Rectangle) image.Rectangle {
	tw, th := float64(table.Dx()), float64(table.Dy())
	relX := (b.X - nominal.X) / nominal.W
	relY := (b.Y - nominal.Y) / nominal.H
	x := table.Min.X + int(math.Round(relX*tw))
	y := table.Min.Y + int(math.Round(relY*th))
	return image.Rect(x, y, x+int(math.Round(b.W/nominal.W*tw)), y+int(math.Round(b.H/nominal.H*th)))
}
