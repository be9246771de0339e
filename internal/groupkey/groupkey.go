// Package groupkey canonicalizes trading-group identifiers into matchable
// keys. Raw identifiers arrive from the trading platform as full paths
// using either forward or back slashes ("real\\pro\\Classic",
// "demo/standard"), while commission rules are configured against bare
// group names. Normalization bridges the two.
package groupkey

import "strings"

// Normalize lower-cases and trims a raw group identifier and returns the
// last path segment, treating both '/' and '\' as separators. Empty or
// blank input yields the empty key. Pure and total — never errors.
func Normalize(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	if i := strings.LastIndexAny(key, `/\`); i >= 0 {
		key = key[i+1:]
	}
	return strings.TrimSpace(key)
}
