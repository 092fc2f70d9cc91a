package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
)

// lateCountsPattern matches summaries such as "4/1/0" or "2-0-1", read as
// counts of 30, 60 and 90 day lates.
var lateCountsPattern = regexp.MustCompile(`^\s*(\d+)\s*[/-]\s*(\d+)\s*[/-]\s*(\d+)\s*$`)

// lateTokens maps history grid marks to a late bucket in days.
var lateTokens = map[string]int{
	"30": 30, "60": 60, "90": 90, "120": 120, "150": 150, "180": 180,
	"1": 30, "2": 60, "3": 90, "4": 120, "5": 150, "6": 180,
}

// ParseHistory reads a payment-history grid ("OK OK 30 60 OK") or a late
// count summary ("4/1/1").
func ParseHistory(s string) domain.History {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.History{}
	}
	h := domain.History{Present: true, Late: map[int]bool{}}

	if m := lateCountsPattern.FindStringSubmatch(s); m != nil {
		for i, bucket := range []int{30, 60, 90} {
			if n, _ := strconv.Atoi(m[i+1]); n > 0 {
				h.Late[bucket] = true
			}
		}
		h.Tokens = 3
		return h
	}

	tokens := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return r == ' ' || r == ',' || r == '|' || r == '/' || r == ';' || r == '\t' || r == '\n'
	})
	h.Tokens = len(tokens)
	h.Uniform = len(tokens) > 0
	for i, tok := range tokens {
		if bucket, ok := lateTokens[tok]; ok {
			h.Late[bucket] = true
		}
		if i > 0 && tok != tokens[0] {
			h.Uniform = false
		}
	}
	return h
}

// Similarity scores two names from 0 (unrelated) to 100 (identical) using
// the Levenshtein distance of their canonical forms.
func Similarity(a, b string) int {
	a, b = CanonicalName(a), CanonicalName(b)
	if a == b {
		return 100
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 100
	}
	return (longest - levenshtein(ra, rb)) * 100 / longest
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
