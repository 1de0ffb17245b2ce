// Package strings provides list parsing helpers for configuration values and
// query parameters.
package strings

import (
	"strings"
)

// SplitList splits every value on commas, trims the parts and drops empty
// parts and duplicates. Order of first occurrence is kept. It returns nil
// when nothing remains.
//
// Example:
//
//	SplitList([]string{"a, b", "b,,c"})
//	// Returns: []string{"a", "b", "c"}
func SplitList(values ...string) []string {
	return split(values, nil)
}

// SplitListUpper is like SplitList but upper-cases each part before
// deduplication, for enum filters such as action=login,LOGIN.
func SplitListUpper(values ...string) []string {
	return split(values, strings.ToUpper)
}

func split(values []string, norm func(string) string) []string {
	var result []string
	seen := make(map[string]struct{})
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if norm != nil {
				part = norm(part)
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			result = append(result, part)
		}
	}
	return result
}
