package qdrant

import (
	"hash/fnv"
	"math"
	"slices"
	"sort"
	"strings"
	"unicode"
)

type sparseVector struct {
	Indices []uint32
	Values  []float32
}

const (
	docBM25K1      = 1.2
	titleBoost     = 1.5
	maxSparseTerms = 256
)

// encodeSparseDocument hashes chunk terms into a saturated term-frequency
// vector. Title terms (wiki title, email subject) weigh more than body terms.
func encodeSparseDocument(text string, title string) sparseVector {
	termFreq := make(map[uint32]float64, 64)
	appendTermFreq(termFreq, tokenizeAlphaNum(text), 1.0)
	appendTermFreq(termFreq, tokenizeAlphaNum(title), titleBoost)
	return termFreqToSparse(termFreq, docBM25K1)
}

// encodeSparseQuery gives every distinct query term weight 1, so a repeated
// word does not outrank the others. IDF comes from the collection modifier.
func encodeSparseQuery(query string) sparseVector {
	seen := make(map[uint32]struct{}, 16)
	indices := make([]uint32, 0, 16)
	for _, token := range tokenizeAlphaNum(query) {
		idx := hashToken(token)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		indices = append(indices, idx)
	}
	if len(indices) == 0 {
		return sparseVector{}
	}
	slices.Sort(indices)
	values := make([]float32, len(indices))
	for i := range values {
		values[i] = 1
	}
	return sparseVector{Indices: indices, Values: values}
}

func appendTermFreq(dst map[uint32]float64, tokens []string, tokenWeight float64) {
	for _, token := range tokens {
		if token == "" {
			continue
		}
		idx := hashToken(token)
		dst[idx] += tokenWeight
	}
}

func termFreqToSparse(tf map[uint32]float64, k float64) sparseVector {
	if len(tf) == 0 {
		return sparseVector{}
	}
	indices := make([]uint32, 0, len(tf))
	for idx := range tf {
		indices = append(indices, idx)
	}
	if len(indices) > maxSparseTerms {
		// Keep the most frequent terms; ties resolve by index for stability.
		sort.Slice(indices, func(i, j int) bool {
			if tf[indices[i]] != tf[indices[j]] {
				return tf[indices[i]] > tf[indices[j]]
			}
			return indices[i] < indices[j]
		})
		indices = indices[:maxSparseTerms]
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, 0, len(indices))
	for _, idx := range indices {
		tfValue := tf[idx]
		weight := (tfValue * (k + 1.0)) / (tfValue + k)
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			weight = 0
		}
		values = append(values, float32(weight))
	}

	return sparseVector{Indices: indices, Values: values}
}

func hashToken(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum32()
	if sum == 0 {
		return 1
	}
	return sum
}

func tokenizeAlphaNum(s string) []string {
	if s == "" {
		return nil
	}
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
