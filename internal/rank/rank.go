// Package rank implements the deterministic relevance scoring used to order
// memory retrieval results. Everything here is pure and reentrant: no locks,
// no clocks, no state. Callers pass "now" explicitly so repeated calls with
// identical inputs always produce identical output.
package rank

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// ImportanceWeight scales an item's importance into its score bonus.
const ImportanceWeight = 0.15

// scorePrecision fixes the granularity at which two scores are considered
// equal, so float noise cannot flip the ordering between calls.
const scorePrecision = 1e9

// Tokens splits text into distinct lowercase tokens, delimited by any
// non-alphanumeric rune. Order follows first appearance.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool, len(fields))
	tokens := fields[:0]
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// TextScore is the token-overlap ratio between the query and a document:
// distinct query tokens also present in the document, divided by the number
// of distinct query tokens. A query with no tokens scores 0.
func TextScore(query, doc string) float64 {
	queryTokens := Tokens(query)
	if len(queryTokens) == 0 {
		return 0
	}
	docSet := make(map[string]bool)
	for _, t := range Tokens(doc) {
		docSet[t] = true
	}
	overlap := 0
	for _, t := range queryTokens {
		if docSet[t] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTokens))
}

// RecencyScore decays hyperbolically with item age: 1/(1+age_hours).
// Ages in the future clamp to zero hours.
func RecencyScore(timestamp, now time.Time) float64 {
	ageHours := now.Sub(timestamp).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return 1 / (1 + ageHours)
}

// ClampBias bounds a recency bias to [0, 1].
func ClampBias(bias float64) float64 {
	if bias < 0 {
		return 0
	}
	if bias > 1 {
		return 1
	}
	return bias
}

// Score computes the relevance of a document against a query at a given
// instant. doc should be the item's content concatenated with its tags.
func Score(query, doc string, timestamp time.Time, importance float64, now time.Time, recencyBias float64) float64 {
	bias := ClampBias(recencyBias)
	return TextScore(query, doc)*(1-bias) +
		RecencyScore(timestamp, now)*bias +
		importance*ImportanceWeight
}

// Key quantizes a score for comparison. Two scores with the same key are
// treated as equal and fall through to the tie-break.
func Key(score float64) int64 {
	return int64(math.Round(score * scorePrecision))
}

// Ranked pairs a scored candidate with the fields the tie-break needs.
type Ranked struct {
	ID         string
	Score      float64
	Importance float64
	Timestamp  time.Time
}

// Less defines the total retrieval order: higher score first, then higher
// importance, then newer timestamp, then lexicographically smaller id.
// Because ids are unique the order is total and stable.
func Less(a, b Ranked) bool {
	ka, kb := Key(a.Score), Key(b.Score)
	if ka != kb {
		return ka > kb
	}
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID < b.ID
}
