package goals

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// words tokenizes text for similarity scoring: lower-cased, punctuation
// stripped, stop words dropped, tokens longer than 2 characters kept.
func words(text string) map[string]bool {
	out := make(map[string]bool)
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		token := current.String()
		current.Reset()
		if utf8.RuneCountInString(token) <= 2 || stopWords[token] {
			return
		}
		out[token] = true
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

// jaccard is intersection over union of two token sets. Either set
// being empty scores 0.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	union := len(b)
	for token := range a {
		if b[token] {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

// insightWords tokenizes the union of a goal's insights.
func insightWords(g *Goal) map[string]bool {
	return words(strings.Join(g.Insights, " "))
}

// Similarity scores how related two goals are, always in [0,1]:
//
//	0.4 * Jaccard(concept words)
//	0.3 * [same non-nil related CLI]
//	0.3 * Jaccard(insight words)
//
// The score is symmetric in its arguments.
func Similarity(a, b *Goal) float64 {
	score := 0.4 * jaccard(words(a.Concept), words(b.Concept))
	if a.RelatedCLI != nil && b.RelatedCLI != nil && *a.RelatedCLI == *b.RelatedCLI {
		score += 0.3
	}
	score += 0.3 * jaccard(insightWords(a), insightWords(b))
	return score
}

// stopWords is the fixed list dropped during tokenization.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"should": true, "could": true, "may": true, "might": true, "must": true,
	"can": true, "this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "as": true, "which": true, "who": true,
	"when": true, "where": true, "why": true, "how": true,
}
