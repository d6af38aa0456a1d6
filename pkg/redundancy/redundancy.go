// Package redundancy scores n-gram overlap between a role's output and the
// accumulated outputs of prior roles. High overlap means the role is
// restating upstream work instead of contributing its own artifacts.
package redundancy

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Shingles returns the set of n-gram shingles of text. Text is NFKC
// normalized and lowercased before tokenizing so visually identical outputs
// compare equal.
func Shingles(text string, n int) map[string]struct{} {
	if n < 1 {
		n = 1
	}
	normalized := strings.ToLower(norm.NFKC.String(text))
	tokens := tokenPattern.FindAllString(normalized, -1)

	out := make(map[string]struct{})
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")] = struct{}{}
	}
	return out
}

// Score computes the Jaccard similarity between the current text's shingles
// and the union of all prior texts' shingles. A conservative upper bound: the
// union is used so overlap with any earlier role counts.
//
// Score(text, nil) == 0 and Score(text, []string{text}) == 1 for non-trivial
// text.
func Score(current string, prior []string, n int) float64 {
	if current == "" || len(prior) == 0 {
		return 0.0
	}
	cur := Shingles(current, n)
	if len(cur) == 0 {
		return 0.0
	}

	priorUnion := make(map[string]struct{})
	for _, p := range prior {
		for s := range Shingles(p, n) {
			priorUnion[s] = struct{}{}
		}
	}
	if len(priorUnion) == 0 {
		return 0.0
	}

	inter := 0
	for s := range cur {
		if _, ok := priorUnion[s]; ok {
			inter++
		}
	}
	union := len(cur) + len(priorUnion) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}
