package retrieval

import (
	"context"
	"strings"
	"unicode"
)

// LexicalReranker scores passages by weighted term overlap with the question.
// It needs no network and backs the CLI's offline mode; scores land in [0,1]
// so the same confidence threshold applies.
type LexicalReranker struct{}

func NewLexicalReranker() *LexicalReranker { return &LexicalReranker{} }

func (r *LexicalReranker) Score(_ context.Context, question string, passages []string) ([]float64, error) {
	qTerms := terms(question)
	scores := make([]float64, len(passages))
	if len(qTerms) == 0 {
		return scores, nil
	}

	for i, p := range passages {
		pTerms := terms(p)
		if len(pTerms) == 0 {
			continue
		}
		matched := 0
		for t := range qTerms {
			if pTerms[t] {
				matched++
			}
		}
		scores[i] = float64(matched) / float64(len(qTerms))
	}
	return scores, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "how": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "with": true,
}

func terms(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 2 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}
