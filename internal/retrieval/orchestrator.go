package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/intent"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
)

// EntityIndex looks up chunks linked to an entity by case-insensitive name.
// An empty filename searches every document.
type EntityIndex interface {
	EntitySearch(ctx context.Context, name, filename string, limit int) ([]models.ChunkHit, error)
}

// SimilarityIndex returns the k nearest chunks to embedding, best first.
// An empty filename searches every document.
type SimilarityIndex interface {
	QueryVectorIndex(ctx context.Context, embedding []float32, k int, filename string) ([]models.ChunkHit, error)
}

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Request struct {
	QueryID         string
	OriginalQuery   string
	NormalizedQuery string
	Filename        string
	Intent          intent.Intent
}

// DefaultGlobalThreshold is the local score below which all documents are searched.
const DefaultGlobalThreshold = 0.70

type Orchestrator struct {
	entities EntityIndex
	vectors  SimilarityIndex
	embedder Embedder
	cfg      config.RetrievalConfig
}

func NewOrchestrator(entities EntityIndex, vectors SimilarityIndex, embedder Embedder, cfg config.RetrievalConfig) *Orchestrator {
	if cfg.LocalTopK <= 0 {
		cfg.LocalTopK = 15
	}
	if cfg.GlobalTopK <= 0 {
		cfg.GlobalTopK = 5
	}
	if cfg.FallbackTopK <= 0 {
		cfg.FallbackTopK = 3
	}
	if cfg.EntityLimit <= 0 {
		cfg.EntityLimit = 5
	}
	// An unset threshold would disable the global search.
	if cfg.GlobalThreshold <= 0 {
		cfg.GlobalThreshold = DefaultGlobalThreshold
	}
	return &Orchestrator{entities: entities, vectors: vectors, embedder: embedder, cfg: cfg}
}

// collector keeps the first occurrence of each chunk id.
type collector struct {
	seen   map[string]struct{}
	chunks []Chunk
}

func newCollector() *collector {
	return &collector{seen: make(map[string]struct{})}
}

func (c *collector) add(hit models.ChunkHit, kind MatchKind, entity string) bool {
	if _, ok := c.seen[hit.ChunkID]; ok {
		return false
	}
	c.seen[hit.ChunkID] = struct{}{}
	c.chunks = append(c.chunks, Chunk{
		ChunkID:  hit.ChunkID,
		Content:  hit.Content,
		Filename: hit.Filename,
		Section:  hit.Section,
		Score:    hit.Score,
		Kind:     kind,
		Entity:   entity,
	})
	return true
}

// Retrieve runs the strategies selected by the intent and the layered
// fallbacks. The returned set is never empty.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request) (ContextSet, error) {
	col := newCollector()
	set := ContextSet{}
	log := logger.GetLogger().With(zap.String("query_id", req.QueryID), zap.String("filename", req.Filename))

	if req.Intent.Route.UsesEntities() {
		if err := o.entityStrategy(ctx, req, col); err != nil {
			return ContextSet{}, err
		}
		log.Debug("Entity strategy finished", zap.Int("chunks", len(col.chunks)))
	}

	if req.Intent.Route.UsesVectors() {
		searchText := strings.Join(req.Intent.Keywords, " ")
		if strings.TrimSpace(searchText) == "" {
			searchText = req.NormalizedQuery
		}

		embedding, err := o.embedder.GenerateEmbedding(ctx, searchText)
		if err != nil {
			return ContextSet{}, fmt.Errorf("failed to embed search text: %w", err)
		}

		local, err := o.vectors.QueryVectorIndex(ctx, embedding, o.cfg.LocalTopK, req.Filename)
		if err != nil {
			return ContextSet{}, fmt.Errorf("failed to query local vector index: %w", err)
		}
		for _, hit := range local {
			if hit.Score > set.MaxLocalScore {
				set.MaxLocalScore = hit.Score
			}
			col.add(hit, VectorMatch, "")
		}
		log.Info("Local vector search finished",
			zap.Int("hits", len(local)),
			zap.Float64("max_local_score", set.MaxLocalScore),
		)

		if set.MaxLocalScore < o.cfg.GlobalThreshold {
			set.GlobalFallback = true
			log.Info("Local relevance below threshold, searching all documents",
				zap.Float64("threshold", o.cfg.GlobalThreshold),
			)
			global, err := o.vectors.QueryVectorIndex(ctx, embedding, o.cfg.GlobalTopK, "")
			if err != nil {
				return ContextSet{}, fmt.Errorf("failed to query global vector index: %w", err)
			}
			for _, hit := range global {
				col.add(hit, GlobalVectorMatch, "")
			}
		}
	}

	if len(col.chunks) == 0 {
		set.LastResort = true
		log.Info("No chunks collected, retrying with the full normalized query")

		embedding, err := o.embedder.GenerateEmbedding(ctx, req.NormalizedQuery)
		if err != nil {
			return ContextSet{}, fmt.Errorf("failed to embed normalized query: %w", err)
		}
		fallback, err := o.vectors.QueryVectorIndex(ctx, embedding, o.cfg.FallbackTopK, req.Filename)
		if err != nil {
			return ContextSet{}, fmt.Errorf("failed to query fallback vector index: %w", err)
		}
		for _, hit := range fallback {
			col.add(hit, FallbackMatch, "")
		}
	}

	if len(col.chunks) == 0 {
		log.Warn("Nothing found for target document, using placeholder context")
		col.chunks = append(col.chunks, placeholderChunk(req.Filename))
	}

	set.Chunks = col.chunks
	return set, nil
}

func (o *Orchestrator) entityStrategy(ctx context.Context, req Request, col *collector) error {
	scope := ""
	if o.cfg.PushDownEntityFilter {
		scope = req.Filename
	}

	for _, name := range req.Intent.Entities {
		hits, err := o.entities.EntitySearch(ctx, name, scope, o.cfg.EntityLimit)
		if err != nil {
			return fmt.Errorf("failed to search entity %q: %w", name, err)
		}
		for _, hit := range hits {
			// The store query may be unscoped; only the target document counts.
			if hit.Filename != req.Filename {
				continue
			}
			hit.Score = 1.0
			col.add(hit, EntityMatch, name)
		}
	}
	return nil
}
