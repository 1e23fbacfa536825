// Package placeholder renders {{token}} placeholders in strings. Unknown tokens
// render as the empty string so optional sections degrade instead of failing.
package placeholder

import (
	"regexp"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Lookup resolves a token name to its replacement.
type Lookup func(key string) (string, bool)

// Render substitutes every {{key}} in s using lookup.
func Render(s string, lookup Lookup) string {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := tokenPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return ""
		}
		value, _ := lookup(groups[1])
		return value
	})
}

// FromMap builds a Lookup over a string map.
func FromMap(values map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

// Tokens lists the distinct token names in s, in order of appearance.
func Tokens(s string) []string {
	matches := tokenPattern.FindAllStringSubmatch(s, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}
