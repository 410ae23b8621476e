package compress

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/engram/internal/model"
)

// Summarizer turns a batch of short-term items into long-term summary text.
// Implementations must be deterministic over the same input batch: an
// aborted run is retried against the same items, and the regenerated
// summary has to overwrite, not diverge from, the one already written.
type Summarizer interface {
	SummarizeGeneral(items []*model.MemoryItem) (summary string, facts map[string]string)
	SummarizeProject(name string, items []*model.MemoryItem) string
}

// maxDigestLine bounds how much of one item's content a digest line keeps.
const maxDigestLine = 160

// DigestSummarizer is the built-in deterministic summarizer: a typed bullet
// digest ordered by timestamp, plus per-type counts as profile facts.
type DigestSummarizer struct{}

// SummarizeGeneral renders the general subset as a digest and counts items
// per memory type into the facts map.
func (DigestSummarizer) SummarizeGeneral(items []*model.MemoryItem) (string, map[string]string) {
	facts := make(map[string]string)
	counts := make(map[model.MemoryType]int)
	for _, item := range items {
		counts[item.Type]++
	}
	for t, n := range counts {
		facts["observed_"+string(t)] = fmt.Sprintf("%d", n)
	}
	return digest(items), facts
}

// SummarizeProject renders a project subset as a titled digest.
func (DigestSummarizer) SummarizeProject(name string, items []*model.MemoryItem) string {
	return "Project " + name + ":\n" + digest(items)
}

func digest(items []*model.MemoryItem) string {
	sorted := make([]*model.MemoryItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var b strings.Builder
	for _, item := range sorted {
		content := strings.TrimSpace(item.Content)
		if len(content) > maxDigestLine {
			// Cut on a rune boundary so the summary stays valid UTF-8.
			cut := maxDigestLine
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "…"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", item.Type, content)
	}
	return strings.TrimRight(b.String(), "\n")
}
