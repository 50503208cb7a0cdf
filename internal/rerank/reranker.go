package rerank

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/retrieval"
	"github.com/docqa/backend/pkg/logger"
)

var ErrScoreMismatch = errors.New("rerank score count does not match candidates")

type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

type Reranker struct {
	scorer Scorer
	topN   int
}

func NewReranker(scorer Scorer, topN int) *Reranker {
	if topN <= 0 {
		topN = 5
	}
	return &Reranker{scorer: scorer, topN: topN}
}

// Rerank keeps the topN chunks by cross-encoder relevance. Sets of topN or
// fewer are returned untouched without calling the scorer.
func (r *Reranker) Rerank(ctx context.Context, query string, chunks []retrieval.Chunk) ([]retrieval.Chunk, bool, error) {
	if len(chunks) <= r.topN {
		logger.Debug("Skipping rerank", zap.Int("chunks", len(chunks)), zap.Int("top_n", r.topN))
		return chunks, false, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	scores, err := r.scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, false, fmt.Errorf("failed to score chunks: %w", err)
	}
	if len(scores) != len(chunks) {
		return nil, false, fmt.Errorf("%w: got %d scores for %d chunks", ErrScoreMismatch, len(scores), len(chunks))
	}

	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	out := make([]retrieval.Chunk, 0, r.topN)
	for _, idx := range order[:r.topN] {
		out = append(out, chunks[idx])
	}

	logger.Info("Chunks reranked",
		zap.Int("candidates", len(chunks)),
		zap.Int("kept", len(out)),
		zap.Float64("best_score", scores[order[0]]),
	)

	return out, true, nil
}
