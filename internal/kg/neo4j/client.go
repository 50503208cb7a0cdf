package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

// ErrStoreUnavailable is returned when the knowledge store cannot be used at all.
var ErrStoreUnavailable = errors.New("knowledge store unavailable")

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	vectorIndex string
	overfetch   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, cfg config.Neo4jConfig, store config.StoreConfig, retrieval config.RetrievalConfig) (*Client, error) {
	if missing := missingSettings(cfg); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing settings %s", ErrStoreUnavailable, strings.Join(missing, ", "))
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create neo4j driver: %v", ErrStoreUnavailable, err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: failed to verify connectivity: %v", ErrStoreUnavailable, err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	overfetch := retrieval.Overfetch
	if overfetch < 1 {
		overfetch = 1
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized",
		zap.String("uri", cfg.URI),
		zap.String("database", cfg.Database),
		zap.String("vector_index", store.VectorIndex),
	)

	return &Client{
		driver:      driver,
		database:    cfg.Database,
		vectorIndex: store.VectorIndex,
		overfetch:   overfetch,
		timeout:     timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func missingSettings(cfg config.Neo4jConfig) []string {
	var missing []string
	for _, s := range []struct{ name, value string }{
		{"neo4j.uri", cfg.URI},
		{"neo4j.username", cfg.Username},
		{"neo4j.password", cfg.Password},
		{"neo4j.database", cfg.Database},
	} {
		if strings.TrimSpace(s.value) == "" {
			missing = append(missing, s.name)
		}
	}
	return missing
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.driver.VerifyConnectivity(ctx)
}

// executeWithRetry opens a fresh session per attempt and always closes it.
func (c *Client) executeWithRetry(ctx context.Context, operation func(context.Context, neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeRead,
			})
			defer session.Close(ctx)
			return operation(ctx, session)
		})
	})
}

const entitySearchQuery = `
	MATCH (e:Entity)
	WHERE toLower(e.name) = toLower($name)
	MATCH (e)<-[:CONTAINS_ENTITY]-(c:Chunk)
	RETURN c.chunk_id AS chunk_id, c.content AS content, c.section AS section,
	       c.source AS filename, 1.0 AS score
	LIMIT $limit
`

const scopedEntitySearchQuery = `
	MATCH (e:Entity)
	WHERE toLower(e.name) = toLower($name)
	MATCH (d:Document {filename: $filename})-[:HAS_CHUNK]->(c:Chunk)-[:CONTAINS_ENTITY]->(e)
	RETURN c.chunk_id AS chunk_id, c.content AS content, c.section AS section,
	       d.filename AS filename, 1.0 AS score
	LIMIT $limit
`

// EntitySearch returns chunks linked to an entity whose name matches
// case-insensitively. An empty filename leaves the lookup unscoped.
func (c *Client) EntitySearch(ctx context.Context, name, filename string, limit int) ([]models.ChunkHit, error) {
	query := entitySearchQuery
	params := map[string]any{"name": name, "limit": int64(limit)}
	if filename != "" {
		query = scopedEntitySearchQuery
		params["filename"] = filename
	}

	hits, err := c.collectHits(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to search entity: %w", err)
	}
	for i := range hits {
		hits[i].Entity = name
	}

	logger.Debug("Entity search completed",
		zap.String("entity", name),
		zap.Bool("scoped", filename != ""),
		zap.Int("results", len(hits)),
	)

	return hits, nil
}

const vectorSearchQuery = `
	CALL db.index.vector.queryNodes($index_name, $k, $embedding)
	YIELD node, score
	RETURN node.chunk_id AS chunk_id, node.content AS content, node.section AS section,
	       node.source AS filename, score
	ORDER BY score DESC
`

// The index is queried for more neighbours than needed because the document
// filter runs after the nearest-neighbour search.
const scopedVectorSearchQuery = `
	CALL db.index.vector.queryNodes($index_name, $fetch_k, $embedding)
	YIELD node, score
	MATCH (d:Document {filename: $filename})-[:HAS_CHUNK]->(node)
	RETURN node.chunk_id AS chunk_id, node.content AS content, node.section AS section,
	       d.filename AS filename, score
	ORDER BY score DESC
	LIMIT $k
`

// QueryVectorIndex returns up to k chunks nearest to embedding, optionally
// restricted to one document.
func (c *Client) QueryVectorIndex(ctx context.Context, embedding []float32, k int, filename string) ([]models.ChunkHit, error) {
	query := vectorSearchQuery
	params := map[string]any{
		"index_name": c.vectorIndex,
		"k":          int64(k),
		"embedding":  toFloat64s(embedding),
	}
	if filename != "" {
		query = scopedVectorSearchQuery
		params["filename"] = filename
		params["fetch_k"] = int64(k * c.overfetch)
	}

	hits, err := c.collectHits(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector index: %w", err)
	}

	logger.Debug("Vector index query completed",
		zap.Int("k", k),
		zap.String("filename", filename),
		zap.Int("results", len(hits)),
	)

	return hits, nil
}

func (c *Client) collectHits(ctx context.Context, query string, params map[string]any) ([]models.ChunkHit, error) {
	var hits []models.ChunkHit

	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		hits = hits[:0]

		result, err := session.Run(ctx, query, params)
		if err != nil {
			return classify(err)
		}

		for result.Next(ctx) {
			hits = append(hits, hitFromRecord(result.Record()))
		}

		if err := result.Err(); err != nil {
			return classify(fmt.Errorf("error iterating results: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return hits, nil
}

// RecordAccess links the user to the document they queried. The document
// node must already exist.
func (c *Client) RecordAccess(ctx context.Context, userID, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: c.database,
			AccessMode:   neo4j.AccessModeWrite,
		})
		defer session.Close(ctx)

		_, err := session.Run(ctx, `
			MERGE (u:User {id: $user_id})
			ON CREATE SET u.created_at = datetime(), u.last_activity = datetime()
			ON MATCH SET u.last_activity = datetime()
			WITH u
			MATCH (d:Document {filename: $filename})
			MERGE (u)-[r:ACCESSED]->(d)
			ON CREATE SET r.first_access = datetime(), r.last_access = datetime()
			ON MATCH SET r.last_access = datetime()
		`, map[string]any{"user_id": userID, "filename": filename})
		if err != nil {
			return fmt.Errorf("failed to record document access: %w", err)
		}
		return nil
	})
}

// classify stops retries on errors a retry cannot fix, such as syntax
// errors or a missing index.
func classify(err error) error {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) && strings.HasPrefix(neoErr.Code, "Neo.ClientError.") {
		return retry.Permanent(err)
	}
	return err
}

func hitFromRecord(record *neo4j.Record) models.ChunkHit {
	values := record.AsMap()
	return models.ChunkHit{
		ChunkID:  asString(values["chunk_id"]),
		Content:  asString(values["content"]),
		Section:  asString(values["section"]),
		Filename: asString(values["filename"]),
		Score:    asFloat64(values["score"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func toFloat64s(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
