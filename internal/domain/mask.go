// Package domain mask.go contains helpers for rendering secrets safely.
package domain

import "unicode/utf8"

// Mask renders a secret for operators: the first and last four runes of
// values longer than eight runes, "***" for shorter values and "<none>" for
// empty ones. It never returns the full value.
func Mask(v string) string {
	if v == "" {
		return "<none>"
	}
	n := utf8.RuneCountInString(v)
	if n <= 8 {
		return "***"
	}
	r := []rune(v)
	return string(r[:4]) + "…" + string(r[n-4:])
}
