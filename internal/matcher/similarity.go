package matcher

import (
	"fmt"
	"math/bits"
	"strings"
)

// LengthPolicy decides how templates of different byte length are compared.
type LengthPolicy string

const (
	// LengthStrict scores any length mismatch as 0.
	LengthStrict LengthPolicy = "strict"
	// LengthPrefix compares only the overlapping prefix.
	LengthPrefix LengthPolicy = "prefix"
)

// ParseLengthPolicy accepts the config spelling of a length policy.
// An empty value selects LengthStrict.
func ParseLengthPolicy(value string) (LengthPolicy, error) {
	switch LengthPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", LengthStrict:
		return LengthStrict, nil
	case LengthPrefix:
		return LengthPrefix, nil
	default:
		return "", fmt.Errorf("unknown length policy %q", value)
	}
}

// comparedLength returns how many leading bytes of a and b are scored.
func comparedLength(a, b []byte, policy LengthPolicy) int {
	if len(a) != len(b) {
		if policy != LengthPrefix {
			return 0
		}
		return min(len(a), len(b))
	}
	return len(a)
}

// HammingDistance counts differing bits over the first n bytes of a and b.
func HammingDistance(a, b []byte, n int) int {
	diff := 0
	for i := 0; i < n; i++ {
		diff += bits.OnesCount8(a[i] ^ b[i])
	}
	return diff
}

// MatchingBits counts equal bits over the first n bytes of a and b.
func MatchingBits(a, b []byte, n int) int {
	same := 0
	for i := 0; i < n; i++ {
		same += bits.OnesCount8(^(a[i] ^ b[i]))
	}
	return same
}

// Similarity returns the percentage of equal bits between two templates,
// in [0, 100]. Empty input scores 0.
func Similarity(a, b []byte, policy LengthPolicy) float64 {
	n := comparedLength(a, b, policy)
	if n == 0 {
		return 0
	}
	totalBits := n * 8
	diffBits := HammingDistance(a, b, n)
	return float64(totalBits-diffBits) / float64(totalBits) * 100
}

// similarityFromMatching is the matching-bit formulation of Similarity.
func similarityFromMatching(a, b []byte, policy LengthPolicy) float64 {
	n := comparedLength(a, b, policy)
	if n == 0 {
		return 0
	}
	return float64(MatchingBits(a, b, n)) / float64(n*8) * 100
}
