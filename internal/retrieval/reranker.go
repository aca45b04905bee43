package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/quarry-labs/quarry/internal/core/domain"
)

// Default rerank parameters.
const (
	DefaultTopK = 20

	// Heuristic boosts.
	textBoost = 0.2
	pathBoost = 0.1
)

// RerankOptions tune a rerank call.
type RerankOptions struct {
	// TopK is how many leading candidates are rescored; the remainder
	// passes through unchanged. Zero defaults to 20.
	TopK int

	// MinScore drops rescored candidates below the threshold.
	MinScore float64

	// Normalize min-max scales scores to [0,1] before the final sort.
	Normalize bool
}

// Reranker reorders retrieved candidates using a more expensive relevance
// signal than the initial vector search.
type Reranker interface {
	// Rerank rescores the top candidates and re-sorts descending.
	// Matches are rescored in place.
	Rerank(ctx context.Context, query string, matches []domain.VectorSearchMatch, opts RerankOptions) ([]domain.VectorSearchMatch, error)
}

// Ensure HeuristicReranker implements the interface.
var _ Reranker = (*HeuristicReranker)(nil)

// HeuristicReranker boosts scores by keyword overlap in chunk text and
// file path. Cheap and call-free.
type HeuristicReranker struct{}

// NewHeuristicReranker creates the keyword-overlap reranker.
func NewHeuristicReranker() *HeuristicReranker {
	return &HeuristicReranker{}
}

// Rerank boosts each candidate by +0.2*textMatchFraction and
// +0.1*pathMatchFraction, capped at 1.0.
func (r *HeuristicReranker) Rerank(ctx context.Context, query string, matches []domain.VectorSearchMatch, opts RerankOptions) ([]domain.VectorSearchMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := Tokenize(query)
	if len(terms) == 0 {
		return matches, nil
	}

	rescore := func(m *domain.VectorSearchMatch) {
		text := strings.ToLower(m.Chunk.Content)
		path := strings.ToLower(m.Chunk.Path)

		textHits, pathHits := 0, 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				textHits++
			}
			if strings.Contains(path, term) {
				pathHits++
			}
		}

		score := m.Score +
			textBoost*float64(textHits)/float64(len(terms)) +
			pathBoost*float64(pathHits)/float64(len(terms))
		if score > 1.0 {
			score = 1.0
		}
		m.Score = score
	}

	return applyRerank(matches, opts, rescore), nil
}

// applyRerank runs rescore over the top-K candidates, applies MinScore and
// normalization, and re-sorts the rescored head descending. Candidates
// beyond TopK pass through unchanged behind the head.
func applyRerank(matches []domain.VectorSearchMatch, opts RerankOptions, rescore func(*domain.VectorSearchMatch)) []domain.VectorSearchMatch {
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > len(matches) {
		topK = len(matches)
	}

	head := matches[:topK]
	tail := matches[topK:]

	for i := range head {
		rescore(&head[i])
	}

	if opts.MinScore > 0 {
		kept := head[:0]
		for _, m := range head {
			if m.Score >= opts.MinScore {
				kept = append(kept, m)
			}
		}
		head = kept
	}

	if opts.Normalize {
		normalizeScores(head)
	}

	sort.SliceStable(head, func(i, j int) bool {
		return head[i].Score > head[j].Score
	})

	return append(head, tail...)
}

// normalizeScores min-max scales scores to [0,1]. A constant list maps
// to 1.0.
func normalizeScores(matches []domain.VectorSearchMatch) {
	if len(matches) == 0 {
		return
	}

	lo, hi := matches[0].Score, matches[0].Score
	for _, m := range matches[1:] {
		if m.Score < lo {
			lo = m.Score
		}
		if m.Score > hi {
			hi = m.Score
		}
	}

	if hi == lo {
		for i := range matches {
			matches[i].Score = 1.0
		}
		return
	}

	for i := range matches {
		matches[i].Score = (matches[i].Score - lo) / (hi - lo)
	}
}
