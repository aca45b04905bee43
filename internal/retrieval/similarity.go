// Package retrieval post-processes vector store hit lists: reranking with
// progressively more expensive relevance signals, and semantic
// deduplication that keeps result sets diverse.
package retrieval

import (
	"math"
	"strings"
	"unicode"

	"github.com/quarry-labs/quarry/internal/core/domain"
)

// Weights of the combined match similarity.
const (
	embeddingWeight = 0.7
	textWeight      = 0.3
)

// CosineSimilarity returns the cosine of the angle between two vectors.
// Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Tokenize splits text into lowercase word tokens.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenSet builds a set from tokens.
func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// JaccardSimilarity returns |A∩B| / |A∪B| over the token sets of two texts.
func JaccardSimilarity(a, b string) float64 {
	setA := tokenSet(Tokenize(a))
	setB := tokenSet(Tokenize(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// MatchSimilarity combines embedding and text similarity between two
// matches: 0.7*cosine + 0.3*Jaccard. Identical chunk IDs short-circuit
// to 1.0.
func MatchSimilarity(a, b *domain.VectorSearchMatch) float64 {
	if a.Chunk.ChunkID == b.Chunk.ChunkID {
		return 1.0
	}
	cos := CosineSimilarity(a.Chunk.Embedding, b.Chunk.Embedding)
	jac := JaccardSimilarity(a.Chunk.Content, b.Chunk.Content)
	return embeddingWeight*cos + textWeight*jac
}
