package match

import (
	"math/bits"
	"sort"
	"strings"
)

// SortTokens splits s on whitespace, sorts the tokens and joins them with
// single spaces.
func SortTokens(s string) string {
	tokens := strings.Fields(s)
	if len(tokens) < 2 {
		return strings.Join(tokens, " ")
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// TokenSortRatio scores a and b in [0,100] after sorting their tokens, so
// word order does not affect the result.
func TokenSortRatio(a, b string) float64 {
	return Ratio(SortTokens(a), SortTokens(b))
}

// Ratio is the normalized indel similarity 200*LCS/(len(a)+len(b)).
// Strings are compared byte-wise; normalized names are ASCII. Two empty
// strings are identical and score 100.
func Ratio(a, b string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 100
	}
	return ratioFrom(lcsLength(a, b), total)
}

func ratioFrom(lcs, total int) float64 {
	return float64(200*lcs) / float64(total)
}

// lcsLength returns the length of the longest common subsequence.
func lcsLength(a, b string) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	if len(a) == 0 {
		return 0
	}
	if len(a) <= 64 {
		p := newPattern(a)
		return p.lcs(b)
	}
	return lcsDP(a, b)
}

// pattern holds per-byte match masks for a string of at most 64 bytes so
// the LCS against any other string runs bit-parallel (Hyyrö 2004).
type pattern struct {
	masks [256]uint64
	n     int
}

func newPattern(s string) *pattern {
	p := &pattern{n: len(s)}
	for i := 0; i < len(s); i++ {
		p.masks[s[i]] |= 1 << uint(i)
	}
	return p
}

func (p *pattern) lcs(s string) int {
	v := ^uint64(0)
	for i := 0; i < len(s); i++ {
		u := v & p.masks[s[i]]
		v = (v + u) | (v - u)
	}
	mask := ^uint64(0)
	if p.n < 64 {
		mask = (uint64(1) << uint(p.n)) - 1
	}
	return bits.OnesCount64(^v & mask)
}

func lcsDP(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
