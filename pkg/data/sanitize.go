package data

import (
	"errors"
	"strings"
)

// ExtractJSON pulls the outermost JSON object out of a model completion,
// tolerating prose or code fences around it. Plans nest arrays of objects,
// so a flat regexp match is not enough; this scans for the balanced range.
func ExtractJSON(ans string) (string, error) {
	start := strings.IndexByte(ans, '{')
	if start < 0 {
		return "", errors.New("no json object in answer")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(ans); i++ {
		c := ans[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return ans[start : i+1], nil
			}
		}
	}
	return "", errors.New("unbalanced json object in answer")
}
