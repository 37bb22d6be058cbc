package extract

import (
	"strings"
	"unicode"

	"github.com/arbovm/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CollapseWhitespace trims s and joins its words with single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fold upper-cases s, strips diacritics and collapses whitespace so OCR
// output and gazetteer entries compare equal regardless of accents.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToUpper(CollapseWhitespace(folded))
}

// Snap replaces value by the closest gazetteer entry when the folded edit
// distance is at most maxDist. It returns the value unchanged otherwise.
func Snap(value string, entries []string, maxDist int) (string, bool) {
	if value == "" || len(entries) == 0 || maxDist < 0 {
		return value, false
	}
	folded := Fold(value)
	best, bestDist := "", maxDist+1
	for _, entry := range entries {
		d := levenshtein.Distance(folded, Fold(entry))
		if d < bestDist {
			best, bestDist = entry, d
		}
	}
	if bestDist > maxDist {
		return value, false
	}
	return best, true
}
