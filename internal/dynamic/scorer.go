package dynamic

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Candidate is a backend tool that may be unlocked
type Candidate struct {
	Service     string
	Tool        string
	Description string
}

// Scorer picks the candidates relevant to an intent
type Scorer interface {
	Match(ctx context.Context, intent string, candidates []Candidate) ([]Candidate, error)
}

const defaultMatchLimit = 10

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "into": true, "want": true, "need": true,
	"please": true, "some": true, "all": true, "about": true,
}

// KeywordScorer ranks candidates by how many intent words appear in their
// name or description
type KeywordScorer struct {
	limit int
}

// NewKeywordScorer returns at most limit matches. Zero uses the default.
func NewKeywordScorer(limit int) *KeywordScorer {
	if limit <= 0 {
		limit = defaultMatchLimit
	}
	return &KeywordScorer{limit: limit}
}

func (k *KeywordScorer) Match(_ context.Context, intent string, candidates []Candidate) ([]Candidate, error) {
	words := keywords(intent)
	if len(words) == 0 {
		return nil, nil
	}

	type scored struct {
		Candidate
		score int
	}
	var hits []scored
	for _, c := range candidates {
		text := make(map[string]bool)
		for _, w := range keywords(c.Service + " " + c.Tool + " " + c.Description) {
			text[w] = true
		}
		score := 0
		for _, w := range words {
			if text[w] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{Candidate: c, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].Service != hits[j].Service {
			return hits[i].Service < hits[j].Service
		}
		return hits[i].Tool < hits[j].Tool
	})
	if len(hits) > k.limit {
		hits = hits[:k.limit]
	}

	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Candidate)
	}
	return out, nil
}

// keywords lower-cases s and splits it on anything that is not a letter or
// digit, dropping short and stop words. Plural "s" is trimmed.
func keywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if stopWords[f] {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") {
			f = strings.TrimSuffix(f, "s")
		}
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
