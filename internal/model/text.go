package model

import (
	"strings"
	"unicode"
)

// Tokens splits text into lowercase word tokens. Runs of letters and digits
// form a token; tokens of a single rune are dropped. Order is preserved and
// duplicates are kept.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}
