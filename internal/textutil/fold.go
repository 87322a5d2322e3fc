// Package textutil normalizes Czech free text for matching. Customer
// names and deadline phrases arrive with inconsistent diacritics and
// casing; matching happens on the folded form.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Fold lowercases s and strips diacritics: "Ocelářské Konstrukce" becomes
// "ocelarske konstrukce". Falls back to plain lowercasing if the transform
// fails on malformed input.
func Fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// ContainsFold reports whether the folded haystack contains the folded
// needle.
func ContainsFold(haystack, needle string) bool {
	return strings.Contains(Fold(haystack), Fold(needle))
}
