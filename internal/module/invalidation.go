package module

import (
	"encoding/json"
	"regexp"
)

// matchesAny reports whether input's "command" field matches any of
// regexes. Malformed input or a missing field is not a match.
func matchesAny(input json.RawMessage, regexes []string) bool {
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &payload); err != nil || payload.Command == "" {
		return false
	}
	for _, pattern := range regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(payload.Command) {
			return true
		}
	}
	return false
}
