package retrieval

import (
	"context"
	"sort"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/logger"
)

// DedupStrategy selects how near-duplicate matches are collapsed.
type DedupStrategy string

const (
	// DedupGreedy keeps the first occurrence and drops later candidates
	// too similar to anything already kept.
	DedupGreedy DedupStrategy = "greedy"
	// DedupMaxScore clusters mutually similar candidates and keeps the
	// highest-scoring member of each cluster.
	DedupMaxScore DedupStrategy = "max-score"
	// DedupDiverse is greedy with a lower effective threshold for
	// candidates from files not yet represented.
	DedupDiverse DedupStrategy = "diverse"
)

// Default dedup parameters.
const (
	DefaultSimilarityThreshold = 0.85
	DefaultPreserveTopN        = 3
	DefaultMinDifferentFiles   = 2

	// Similarity discount for candidates from unrepresented files under
	// the diverse strategy. Discounting the similarity makes such
	// candidates harder to drop, which pulls more files into the result.
	diverseFileDiscount = 0.9
)

// DedupOptions tune a deduplication pass.
type DedupOptions struct {
	// Strategy picks the collapse policy. Empty defaults to greedy.
	Strategy DedupStrategy

	// Threshold is the similarity at or above which two matches count as
	// duplicates. Zero defaults to 0.85.
	Threshold float64

	// PreserveTopN leading matches pass through untouched. Zero defaults
	// to 3; negative preserves none.
	PreserveTopN int

	// MinDifferentFiles is the diversity floor enforced by the repair
	// pass. Zero defaults to 2; negative disables the repair.
	MinDifferentFiles int
}

func (o DedupOptions) withDefaults() DedupOptions {
	if o.Strategy == "" {
		o.Strategy = DedupGreedy
	}
	if o.Threshold == 0 {
		o.Threshold = DefaultSimilarityThreshold
	}
	if o.PreserveTopN == 0 {
		o.PreserveTopN = DefaultPreserveTopN
	}
	if o.MinDifferentFiles == 0 {
		o.MinDifferentFiles = DefaultMinDifferentFiles
	}
	return o
}

// Deduplicate collapses near-duplicate matches. The top-preserveTopN by
// score always survive; the chosen strategy runs over the remainder, and a
// repair pass restores file diversity if the strategy under-represented it.
// Matches are assumed sorted by score descending.
func Deduplicate(ctx context.Context, matches []domain.VectorSearchMatch, opts DedupOptions) ([]domain.VectorSearchMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(matches) <= 1 {
		return matches, nil
	}

	opts = opts.withDefaults()

	preserve := opts.PreserveTopN
	if preserve < 0 {
		preserve = 0
	}
	if preserve > len(matches) {
		preserve = len(matches)
	}

	kept := make([]domain.VectorSearchMatch, 0, len(matches))
	kept = append(kept, matches[:preserve]...)
	rest := matches[preserve:]

	switch opts.Strategy {
	case DedupMaxScore:
		kept = append(kept, dedupMaxScore(rest, kept, opts.Threshold)...)
	case DedupDiverse:
		kept = append(kept, dedupDiverse(rest, kept, opts.Threshold)...)
	default:
		kept = append(kept, dedupGreedy(rest, kept, opts.Threshold)...)
	}

	if opts.MinDifferentFiles > 0 {
		kept = EnsureFileDiversity(kept, matches, opts.MinDifferentFiles)
	}

	logger.Debug("Dedup kept %d of %d matches (strategy=%s threshold=%.2f)",
		len(kept), len(matches), opts.Strategy, opts.Threshold)
	return kept, nil
}

// dedupGreedy keeps a candidate only when its max similarity to everything
// already kept stays below the threshold.
func dedupGreedy(candidates, preserved []domain.VectorSearchMatch, threshold float64) []domain.VectorSearchMatch {
	kept := make([]domain.VectorSearchMatch, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if maxSimilarity(c, preserved) >= threshold || maxSimilarity(c, kept) >= threshold {
			continue
		}
		kept = append(kept, *c)
	}
	return kept
}

// dedupDiverse is greedy with a 10% similarity discount for candidates
// whose file has no representative yet.
func dedupDiverse(candidates, preserved []domain.VectorSearchMatch, threshold float64) []domain.VectorSearchMatch {
	seenFiles := make(map[string]bool)
	for i := range preserved {
		seenFiles[preserved[i].Chunk.Path] = true
	}

	kept := make([]domain.VectorSearchMatch, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		sim := maxSimilarity(c, preserved)
		if s := maxSimilarity(c, kept); s > sim {
			sim = s
		}
		if !seenFiles[c.Chunk.Path] {
			sim *= diverseFileDiscount
		}
		if sim >= threshold {
			continue
		}
		kept = append(kept, *c)
		seenFiles[c.Chunk.Path] = true
	}
	return kept
}

// dedupMaxScore groups mutually similar candidates single-link against a
// cluster representative and keeps the highest-scoring member of each
// cluster. Candidates similar to a preserved match join its implicit
// cluster and are dropped, since the preserved match always outranks them.
func dedupMaxScore(candidates, preserved []domain.VectorSearchMatch, threshold float64) []domain.VectorSearchMatch {
	type cluster struct {
		representative *domain.VectorSearchMatch
		best           domain.VectorSearchMatch
	}

	var clusters []*cluster
candidateLoop:
	for i := range candidates {
		c := &candidates[i]
		if maxSimilarity(c, preserved) >= threshold {
			continue
		}
		for _, cl := range clusters {
			if MatchSimilarity(c, cl.representative) >= threshold {
				if c.Score > cl.best.Score {
					cl.best = *c
				}
				continue candidateLoop
			}
		}
		clusters = append(clusters, &cluster{representative: c, best: *c})
	}

	kept := make([]domain.VectorSearchMatch, 0, len(clusters))
	for _, cl := range clusters {
		kept = append(kept, cl.best)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	return kept
}

// maxSimilarity returns the highest similarity between a candidate and any
// match in the set.
func maxSimilarity(c *domain.VectorSearchMatch, against []domain.VectorSearchMatch) float64 {
	var max float64
	for i := range against {
		if sim := MatchSimilarity(c, &against[i]); sim > max {
			max = sim
		}
	}
	return max
}

// EnsureFileDiversity guarantees the result represents at least
// minFiles distinct files, capped at the number of distinct files in the
// candidate pool. Missing files are filled with their top-scoring pool
// match, then the result is re-sorted by score.
func EnsureFileDiversity(result, pool []domain.VectorSearchMatch, minFiles int) []domain.VectorSearchMatch {
	files := make(map[string]bool)
	inResult := make(map[string]bool, len(result))
	for i := range result {
		files[result[i].Chunk.Path] = true
		inResult[result[i].Chunk.ChunkID] = true
	}

	poolFiles := make(map[string]bool)
	for i := range pool {
		poolFiles[pool[i].Chunk.Path] = true
	}
	if minFiles > len(poolFiles) {
		minFiles = len(poolFiles)
	}

	// Pool is sorted by score, so the first unseen-file match is that
	// file's best.
	for i := range pool {
		if len(files) >= minFiles {
			break
		}
		m := &pool[i]
		if files[m.Chunk.Path] || inResult[m.Chunk.ChunkID] {
			continue
		}
		result = append(result, *m)
		files[m.Chunk.Path] = true
		inResult[m.Chunk.ChunkID] = true
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	return result
}
