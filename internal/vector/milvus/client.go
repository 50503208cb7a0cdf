package milvus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

const (
	fieldChunkID   = "chunk_id"
	fieldEmbedding = "embedding"
	fieldContent   = "content"
	fieldFilename  = "filename"
	fieldSection   = "section"
)

var outputFields = []string{fieldChunkID, fieldContent, fieldFilename, fieldSection}

// Client is a similarity index over a Milvus or Zilliz Cloud collection of
// chunk embeddings.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(ctx context.Context, cfg config.MilvusConfig) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          20 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

// EnsureCollection checks that the chunk collection exists with the expected
// vector dimension and loads it for search. The collection is populated by
// the ingestion side.
func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return fmt.Errorf("collection %q does not exist", m.collectionName)
	}

	coll, err := m.client.DescribeCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to describe collection: %w", err)
	}
	if err := checkSchema(coll.Schema, m.vectorDim); err != nil {
		return err
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection loaded", zap.String("collection", m.collectionName))
	return nil
}

func checkSchema(schema *entity.Schema, dim int) error {
	if schema == nil {
		return fmt.Errorf("collection has no schema")
	}
	present := map[string]*entity.Field{}
	for _, f := range schema.Fields {
		present[f.Name] = f
	}
	for _, name := range []string{fieldChunkID, fieldEmbedding, fieldContent, fieldFilename, fieldSection} {
		if _, ok := present[name]; !ok {
			return fmt.Errorf("collection %q is missing field %q", schema.CollectionName, name)
		}
	}
	if dim > 0 {
		if got := present[fieldEmbedding].TypeParams[entity.TypeParamDim]; got != "" && got != fmt.Sprint(dim) {
			return fmt.Errorf("collection vector dimension %s does not match configured %d", got, dim)
		}
	}
	return nil
}

// QueryVectorIndex searches by cosine similarity, optionally restricted to
// chunks of one document.
func (m *Client) QueryVectorIndex(ctx context.Context, embedding []float32, k int, filename string) ([]models.ChunkHit, error) {
	if m.vectorDim > 0 && len(embedding) != m.vectorDim {
		return nil, fmt.Errorf("embedding dimension %d does not match collection dimension %d", len(embedding), m.vectorDim)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	expr := filterExpr(filename)

	var results []client.SearchResult
	err = m.cb.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			var err error
			results, err = m.client.Search(
				ctx,
				m.collectionName,
				[]string{},
				expr,
				outputFields,
				[]entity.Vector{entity.FloatVector(embedding)},
				fieldEmbedding,
				entity.COSINE,
				k,
				sp,
			)
			if err != nil {
				return fmt.Errorf("failed to search: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	hits, err := hitsFromResults(results)
	if err != nil {
		return nil, err
	}

	logger.Debug("Vector search completed",
		zap.Int("k", k),
		zap.String("filter", expr),
		zap.Int("results", len(hits)),
	)

	return hits, nil
}

func filterExpr(filename string) string {
	if filename == "" {
		return ""
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(filename)
	return fmt.Sprintf(`%s == "%s"`, fieldFilename, escaped)
}

func hitsFromResults(results []client.SearchResult) ([]models.ChunkHit, error) {
	hits := make([]models.ChunkHit, 0)
	for _, sr := range results {
		if sr.Err != nil {
			return nil, fmt.Errorf("search result error: %w", sr.Err)
		}
		cols := map[string]entity.Column{}
		for _, name := range outputFields {
			col := sr.Fields.GetColumn(name)
			if col == nil {
				return nil, fmt.Errorf("search result is missing field %q", name)
			}
			cols[name] = col
		}

		for i := 0; i < sr.ResultCount; i++ {
			hit := models.ChunkHit{Score: float64(sr.Scores[i])}
			for name, dst := range map[string]*string{
				fieldChunkID:  &hit.ChunkID,
				fieldContent:  &hit.Content,
				fieldFilename: &hit.Filename,
				fieldSection:  &hit.Section,
			} {
				v, err := cols[name].GetAsString(i)
				if err != nil {
					return nil, fmt.Errorf("failed to read %s: %w", name, err)
				}
				*dst = v
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}
