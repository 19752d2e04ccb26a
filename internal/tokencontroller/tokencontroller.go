// Package tokencontroller proposes token-compressed variants of archived
// elites and validates them on a small shard before admission, using its
// own small library of rule-based text-shortening edits
// (DefaultCompressionRules), separate from the Mutator's rule edits.
package tokencontroller

import (
	"math/rand"
	"strings"

	"github.com/jihwankim/promptevo/internal/domain"
)

// CompressionRule is one deterministic, length-reducing text transformation.
type CompressionRule struct {
	Name  string
	Apply func(text string) string
}

// DefaultCompressionRules is the fixed library of rule-based shortenings:
// collapse blank lines, strip filler phrases, and collapse doubled
// line-leading bullet markers ("- - " to "- ").
func DefaultCompressionRules() []CompressionRule {
	return []CompressionRule{
		{Name: "collapse_blank_lines", Apply: collapseBlankLines},
		{Name: "strip_filler_phrases", Apply: stripFillerPhrases},
		{Name: "dedupe_bullet_markers", Apply: dedupeBulletMarkers},
	}
}

var fillerPhrases = []string{
	"please note that ",
	"it is important to ",
	"in order to ",
	"make sure to ",
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func stripFillerPhrases(text string) string {
	lower := text
	for _, phrase := range fillerPhrases {
		lower = replaceCaseInsensitive(lower, phrase, "")
	}
	return lower
}

func replaceCaseInsensitive(text, phrase, replacement string) string {
	lowerText := strings.ToLower(text)
	lowerPhrase := strings.ToLower(phrase)
	var b strings.Builder
	i := 0
	for {
		idx := strings.Index(lowerText[i:], lowerPhrase)
		if idx < 0 {
			b.WriteString(text[i:])
			break
		}
		b.WriteString(text[i : i+idx])
		b.WriteString(replacement)
		i += idx + len(lowerPhrase)
	}
	return b.String()
}

func dedupeBulletMarkers(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.ReplaceAll(l, "- - ", "- ")
	}
	return strings.Join(lines, "\n")
}

// Controller proposes compressed variants from DefaultCompressionRules.
type Controller struct {
	rules      []CompressionRule
	pruneDelta float64
}

// New builds a Controller. pruneDelta is the maximum promotion-objective
// regression (on the validation shard) a compressed variant may incur and
// still be accepted.
func New(pruneDelta float64) *Controller {
	return &Controller{rules: DefaultCompressionRules(), pruneDelta: pruneDelta}
}

// Propose applies every compression rule once to elite.Text, in an order
// drawn from seed (a seeded permutation of the rules, so the result is
// deterministic given seed), and returns the resulting candidate tagged
// OriginCompression.
func (c *Controller) Propose(seed int64, elite domain.Candidate) domain.Candidate {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	order := rng.Perm(len(c.rules))
	text := elite.Text
	for _, idx := range order {
		text = c.rules[idx].Apply(text)
	}
	text = strings.TrimSpace(text)
	return domain.New(text, domain.OriginCompression, estimateTokens(text), elite.Fingerprint)
}

// Accept reports whether a compressed variant's promotion-objective mean on
// the validation shard is within prune_delta of the original's.
func (c *Controller) Accept(originalMean, compressedMean float64) bool {
	return originalMean-compressedMean <= c.pruneDelta
}

func estimateTokens(text string) int {
	return len(strings.Fields(text))
}
