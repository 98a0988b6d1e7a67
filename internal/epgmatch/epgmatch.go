// Package epgmatch is the L1 fuzzy channel-name matcher for the EPG
// auto-match post-step: exact normalized-name matches are accepted as a free
// tier-1 shortcut, and anything else falls through to a SequenceMatcher-style
// fuzzy similarity scorer.
package epgmatch

import (
	"strings"
	"unicode"
)

// DefaultMinScore is the default acceptance threshold for a fuzzy match.
const DefaultMinScore = 0.72

var suffixNoise = map[string]struct{}{
	"hd": {}, "fhd": {}, "uhd": {}, "4k": {}, "us": {}, "usa": {}, "tv": {},
}

// Normalize lowercases, splits on non-alphanumerics, drops the quality/region
// noise tokens (hd/fhd/uhd/4k/us/usa/tv) wherever they occur, and joins the
// remaining tokens with no separator ("BBC One HD" -> "bbcone").
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	toks := strings.Fields(b.String())
	out := toks[:0]
	for _, t := range toks {
		if _, drop := suffixNoise[t]; drop {
			continue
		}
		out = append(out, t)
	}
	return strings.Join(out, "")
}

// Candidate is one XMLTV channel available for matching.
type Candidate struct {
	XMLTVID     string
	DisplayName string
}

// Match is the outcome of matching one LiveStream against a candidate set.
type Match struct {
	XMLTVID string
	Score   float64
}

// Best returns the highest-scoring candidate whose similarity to
// liveStreamName is >= minScore, or ok=false if none clears the bar.
// Exact normalized-string matches short-circuit at score 1.0 as a free
// tier-1 match ahead of the fuzzy tier.
func Best(liveStreamName string, candidates []Candidate, minScore float64) (Match, bool) {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	target := Normalize(liveStreamName)
	if target == "" {
		return Match{}, false
	}

	var best Match
	found := false
	for _, c := range candidates {
		cn := Normalize(c.DisplayName)
		if cn == "" {
			continue
		}
		var score float64
		if cn == target {
			score = 1.0
		} else {
			score = Similarity(target, cn)
		}
		if score >= minScore && (!found || score > best.Score) {
			best = Match{XMLTVID: c.XMLTVID, Score: score}
			found = true
		}
	}
	return best, found
}

// Similarity is a SequenceMatcher-style ratio: 2*M / T, where M is the total
// length of matching blocks found by repeatedly taking the longest common
// substring of the remaining unmatched segments, and T is the combined
// length of both strings. This mirrors Python difflib.SequenceMatcher.ratio().
func Similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	matches := matchingBlockLength(a, b)
	return 2 * float64(matches) / float64(len(a)+len(b))
}

// matchingBlockLength sums the lengths of successive longest-common-substring
// matches between a and b, recursing on the unmatched left/right remainders —
// the core of difflib's ratio() without the junk-heuristic or autojunk
// optimizations, which don't apply to short channel names.
func matchingBlockLength(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	la, lenMatch, posA, posB := longestCommonSubstring(a, b)
	if lenMatch == 0 {
		return 0
	}
	_ = la
	total := lenMatch
	total += matchingBlockLength(a[:posA], b[:posB])
	total += matchingBlockLength(a[posA+lenMatch:], b[posB+lenMatch:])
	return total
}

// longestCommonSubstring finds the longest common contiguous substring of a
// and b via dynamic programming, returning its text and both start positions.
func longestCommonSubstring(a, b string) (string, int, int, int) {
	n, m := len(a), len(b)
	prev := make([]int, m+1)
	cur := make([]int, m+1)
	bestLen, bestA, bestB := 0, 0, 0
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestLen {
					bestLen = cur[j]
					bestA = i - bestLen
					bestB = j - bestLen
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	if bestLen == 0 {
		return "", 0, 0, 0
	}
	return a[bestA : bestA+bestLen], bestLen, bestA, bestB
}
