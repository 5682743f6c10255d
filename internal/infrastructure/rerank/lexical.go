package rerank

import (
	"context"
	"strings"
	"unicode"
)

// LexicalOverlap scores texts by the share of distinct query terms they
// contain, with a small bonus for the full query appearing verbatim.
type LexicalOverlap struct{}

func NewLexicalOverlap() *LexicalOverlap {
	return &LexicalOverlap{}
}

func (LexicalOverlap) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTokens := tokenize(query)
	phrase := strings.Join(queryTokens, " ")
	terms := unique(queryTokens)
	scores := make([]float64, len(texts))
	if len(terms) == 0 {
		return scores, nil
	}

	for i, text := range texts {
		tokens := tokenize(text)
		present := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			present[tok] = struct{}{}
		}
		hits := 0
		for _, term := range terms {
			if _, ok := present[term]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(terms))
		if len(queryTokens) > 1 && strings.Contains(strings.Join(tokens, " "), phrase) {
			score += 0.25
		}
		scores[i] = score
	}
	return scores, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func unique(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
