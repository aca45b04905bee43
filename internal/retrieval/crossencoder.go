package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// DefaultScoreConcurrency bounds parallel scoring calls.
const DefaultScoreConcurrency = 4

// maxScoredContent caps how much chunk text goes into a scoring prompt.
const maxScoredContent = 2000

var scoreRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// Ensure CrossEncoderReranker implements the interface.
var _ Reranker = (*CrossEncoderReranker)(nil)

// CrossEncoderReranker scores each query/chunk pair with a language model.
// The most accurate and most expensive strategy. A failed scoring call
// falls back to the pair's original score rather than failing the rerank.
type CrossEncoderReranker struct {
	llm         driven.LLM
	concurrency int
}

// NewCrossEncoderReranker creates an LLM-backed reranker.
func NewCrossEncoderReranker(llm driven.LLM) *CrossEncoderReranker {
	return &CrossEncoderReranker{llm: llm, concurrency: DefaultScoreConcurrency}
}

// Rerank scores the top candidates pairwise against the query.
func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, matches []domain.VectorSearchMatch, opts RerankOptions) ([]domain.VectorSearchMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > len(matches) {
		topK = len(matches)
	}

	scores := make([]float64, topK)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i := 0; i < topK; i++ {
		g.Go(func() error {
			m := &matches[i]
			score, err := r.scorePair(gctx, query, m)
			if err != nil {
				// Per-pair degradation: keep the vector score.
				logger.Warn("Cross-encoder scoring failed for %s: %v", m.Chunk.ChunkID, err)
				score = m.Score
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	i := 0
	rescore := func(m *domain.VectorSearchMatch) {
		m.Score = scores[i]
		i++
	}
	return applyRerank(matches, opts, rescore), nil
}

// scorePair asks the model for a 0-10 relevance judgment and maps it
// to [0,1].
func (r *CrossEncoderReranker) scorePair(ctx context.Context, query string, m *domain.VectorSearchMatch) (float64, error) {
	content := m.Chunk.Content
	if len(content) > maxScoredContent {
		content = content[:maxScoredContent]
	}

	prompt := fmt.Sprintf(`Rate how relevant this code is to the query on a scale of 0 to 10.
Respond with only the number.

Query: %s

File: %s
Code:
%s`, query, m.Chunk.Path, content)

	resp, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

// parseScore extracts the first number from a model response and scales
// it to [0,1]. Values above 1 are treated as a 0-10 rating.
func parseScore(resp string) (float64, error) {
	raw := scoreRe.FindString(strings.TrimSpace(resp))
	if raw == "" {
		return 0, fmt.Errorf("no score in response %q", resp)
	}

	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", raw, err)
	}

	if score > 1 {
		score /= 10
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}
