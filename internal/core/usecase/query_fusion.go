package usecase

import (
	"sort"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

type fusedCandidate struct {
	chunk domain.RetrievedChunk
	score float64
}

// fuseCandidatesRRF merges ranked lists with Reciprocal Rank Fusion:
// score = sum over lists of 1/(k + rank), rank starting at 1.
func fuseCandidatesRRF(semantic, lexical []domain.RetrievedChunk, rrfK int) []domain.RetrievedChunk {
	if rrfK <= 0 {
		rrfK = 60
	}

	acc := make(map[domain.ChunkIdentity]fusedCandidate, len(semantic)+len(lexical))
	addList := func(chunks []domain.RetrievedChunk) {
		seen := make(map[domain.ChunkIdentity]struct{}, len(chunks))
		for rank, chunk := range chunks {
			key := chunk.Identity()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			candidate := acc[key]
			candidate.chunk = preferRicherChunk(candidate.chunk, chunk)
			candidate.score += 1.0 / float64(rrfK+rank+1)
			acc[key] = candidate
		}
	}

	addList(semantic)
	addList(lexical)

	out := make([]domain.RetrievedChunk, 0, len(acc))
	for _, c := range acc {
		chunk := c.chunk
		chunk.Score = c.score
		out = append(out, chunk)
	}

	sortRetrieved(out)
	return out
}

func trimCandidates(chunks []domain.RetrievedChunk, limit int) []domain.RetrievedChunk {
	if limit <= 0 || len(chunks) <= limit {
		return chunks
	}
	return chunks[:limit]
}

// sortRetrieved orders by score descending with a deterministic identity tie-break.
func sortRetrieved(chunks []domain.RetrievedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if chunks[i].SourceType != chunks[j].SourceType {
			return chunks[i].SourceType < chunks[j].SourceType
		}
		if chunks[i].SourceID != chunks[j].SourceID {
			return chunks[i].SourceID < chunks[j].SourceID
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
}

func preferRicherChunk(current, candidate domain.RetrievedChunk) domain.RetrievedChunk {
	if current.SourceID == "" && current.Text == "" {
		return candidate
	}
	if current.Text == "" && candidate.Text != "" {
		current.Text = candidate.Text
	}
	if len(current.ScopeKeys) == 0 && len(candidate.ScopeKeys) > 0 {
		current.ScopeKeys = candidate.ScopeKeys
	}
	if len(current.Metadata) == 0 && len(candidate.Metadata) > 0 {
		current.Metadata = candidate.Metadata
	}
	if current.OriginalTimestamp.IsZero() && !candidate.OriginalTimestamp.IsZero() {
		current.OriginalTimestamp = candidate.OriginalTimestamp
	}
	return current
}
