package retrieval

import (
	"context"
	"regexp"
	"strings"

	"github.com/quarry-labs/quarry/internal/core/domain"
)

// SmartWeights are the signal weights of the smart-heuristic reranker.
// The defaults sum to 0.9; the residual 0.1 stays on the original score.
type SmartWeights struct {
	ExactPhrase float64
	Identifier  float64
	Definition  float64
	PathTerms   float64
	TermDensity float64
	Position    float64
	Residual    float64
}

// DefaultSmartWeights returns the default signal weights.
func DefaultSmartWeights() SmartWeights {
	return SmartWeights{
		ExactPhrase: 0.25,
		Identifier:  0.25,
		Definition:  0.15,
		PathTerms:   0.10,
		TermDensity: 0.10,
		Position:    0.05,
		Residual:    0.10,
	}
}

// Identifier extraction patterns over the query text.
var (
	backtickRe   = regexp.MustCompile("`([^`]+)`")
	pascalCaseRe = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)+\b`)
	camelCaseRe  = regexp.MustCompile(`\b[a-z][a-z0-9]*(?:[A-Z][a-z0-9]+)+\b`)
	snakeCaseRe  = regexp.MustCompile(`\b[a-z][a-z0-9]*(?:_[a-z0-9]+)+\b`)
)

// Declaration patterns over chunk text, shared across the common language
// families. Used both for symbol extraction and the definition-vs-usage
// bonus.
var declarationRes = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*func\s+(?:\([^)]+\)\s+)?(\w+)`),
	regexp.MustCompile(`(?m)^\s*type\s+(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:abstract\s+)?class\s+(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:export\s+)?interface\s+(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:async\s+)?function\s*\*?\s*(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+(\w+)`),
}

// Ensure SmartReranker implements the interface.
var _ Reranker = (*SmartReranker)(nil)

// SmartReranker combines six call-free relevance signals into a weighted
// score. It understands code structure (identifiers, declarations) without
// any external service.
type SmartReranker struct {
	weights SmartWeights
}

// NewSmartReranker creates a smart-heuristic reranker with the given
// weights. Zero-valued weights take the defaults.
func NewSmartReranker(weights SmartWeights) *SmartReranker {
	if weights == (SmartWeights{}) {
		weights = DefaultSmartWeights()
	}
	return &SmartReranker{weights: weights}
}

// Rerank rescores the top candidates with the weighted signal sum.
func (r *SmartReranker) Rerank(ctx context.Context, query string, matches []domain.VectorSearchMatch, opts RerankOptions) ([]domain.VectorSearchMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := queryFeatures(query)

	rescore := func(m *domain.VectorSearchMatch) {
		w := r.weights
		score := w.Residual * m.Score

		score += w.ExactPhrase * exactPhraseSignal(q, m)
		score += w.Identifier * identifierSignal(q, m)
		score += w.Definition * definitionSignal(q, m)
		score += w.PathTerms * pathTermsSignal(q, m)
		score += w.TermDensity * termDensitySignal(q, m)
		score += w.Position * positionSignal(m)

		m.Score = score
	}

	return applyRerank(matches, opts, rescore), nil
}

// features precomputed once per query.
type features struct {
	phrase      string
	terms       []string
	identifiers []string
}

// queryFeatures extracts the phrase, terms and identifiers from a query.
func queryFeatures(query string) features {
	f := features{
		phrase: strings.ToLower(strings.TrimSpace(query)),
		terms:  Tokenize(query),
	}

	seen := make(map[string]bool)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			f.identifiers = append(f.identifiers, id)
		}
	}

	for _, m := range backtickRe.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}
	stripped := backtickRe.ReplaceAllString(query, " ")
	for _, re := range []*regexp.Regexp{pascalCaseRe, camelCaseRe, snakeCaseRe} {
		for _, id := range re.FindAllString(stripped, -1) {
			add(id)
		}
	}

	return f
}

// chunkSymbols extracts declared symbol names from chunk text.
func chunkSymbols(content string) map[string]bool {
	symbols := make(map[string]bool)
	for _, re := range declarationRes {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if len(m) > 1 && m[1] != "" {
				symbols[strings.ToLower(m[1])] = true
			}
		}
	}
	return symbols
}

// exactPhraseSignal is 1 when the whole query appears verbatim.
func exactPhraseSignal(q features, m *domain.VectorSearchMatch) float64 {
	if q.phrase == "" {
		return 0
	}
	if strings.Contains(strings.ToLower(m.Chunk.Content), q.phrase) {
		return 1
	}
	return 0
}

// identifierSignal is the fraction of query identifiers that name symbols
// declared in the chunk, falling back to plain-text hits at half weight.
func identifierSignal(q features, m *domain.VectorSearchMatch) float64 {
	if len(q.identifiers) == 0 {
		return 0
	}

	symbols := chunkSymbols(m.Chunk.Content)
	lower := strings.ToLower(m.Chunk.Content)

	var score float64
	for _, id := range q.identifiers {
		switch {
		case symbols[strings.ToLower(id)]:
			score += 1.0
		case strings.Contains(lower, strings.ToLower(id)):
			score += 0.5
		}
	}
	return score / float64(len(q.identifiers))
}

// definitionSignal is 1 when the chunk declares something a query term or
// identifier names: definitions rank above usages.
func definitionSignal(q features, m *domain.VectorSearchMatch) float64 {
	symbols := chunkSymbols(m.Chunk.Content)
	if len(symbols) == 0 {
		return 0
	}
	for _, id := range q.identifiers {
		if symbols[strings.ToLower(id)] {
			return 1
		}
	}
	for _, t := range q.terms {
		if symbols[t] {
			return 1
		}
	}
	return 0
}

// pathTermsSignal is the fraction of query terms found in the file path.
func pathTermsSignal(q features, m *domain.VectorSearchMatch) float64 {
	if len(q.terms) == 0 {
		return 0
	}
	path := strings.ToLower(m.Chunk.Path)
	hits := 0
	for _, t := range q.terms {
		if strings.Contains(path, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(q.terms))
}

// termDensitySignal measures how densely query terms occur in the chunk.
func termDensitySignal(q features, m *domain.VectorSearchMatch) float64 {
	tokens := Tokenize(m.Chunk.Content)
	if len(tokens) == 0 || len(q.terms) == 0 {
		return 0
	}

	wanted := tokenSet(q.terms)
	hits := 0
	for _, t := range tokens {
		if wanted[t] {
			hits++
		}
	}

	// Scale: 10% density already counts as full signal.
	density := float64(hits) / float64(len(tokens))
	if density > 0.1 {
		return 1
	}
	return density / 0.1
}

// positionSignal rewards chunks earlier in their file: declarations and
// core definitions tend to sit near the top.
func positionSignal(m *domain.VectorSearchMatch) float64 {
	switch {
	case m.Chunk.StartLine <= 1:
		return 1
	case m.Chunk.StartLine <= 50:
		return 0.75
	case m.Chunk.StartLine <= 200:
		return 0.5
	case m.Chunk.StartLine <= 500:
		return 0.25
	default:
		return 0
	}
}
