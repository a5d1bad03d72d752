package service

import (
	"regexp"
	"sort"
)

// mentionPattern matches @-prefixed 8-character task references.
var mentionPattern = regexp.MustCompile(`@([0-9A-Za-z]{8})\b`)

// ExtractMentions scans text for @XXXXXXXX task references and returns
// the unique IDs sorted ascending.
func ExtractMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		id := m[1]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
