// Package match compiles tracked names into phrase patterns and runs
// candidate text through them in configured priority order.
package match

import (
	"regexp"
	"strings"
)

// CompilePattern builds a phrase pattern from a normalized name.
// The pattern requires every token of the name to appear in order,
// separated only by whitespace or punctuation, bounded by whitespace or
// string edges. Go's regexp is RE2, so pathological user-supplied names
// cannot trigger catastrophic backtracking.
// Returns false when the name has no usable tokens or fails to compile.
func CompilePattern(normName string) (*regexp.Regexp, bool) {
	tokens := strings.Fields(normName)
	if len(tokens) == 0 {
		return nil, false
	}

	escaped := make([]string, len(tokens))
	for i, tok := range tokens {
		escaped[i] = regexp.QuoteMeta(tok)
	}

	expr := `(?:^|\s)` + strings.Join(escaped, `[\s\p{P}]*`) + `(?:\s|$)`
	rx, err := regexp.Compile(expr)
	if err != nil {
		return nil, false
	}
	return rx, true
}
