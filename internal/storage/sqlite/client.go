package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

// Client stores the query history used for user attribution and auditing.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func newFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

func (c *Client) Close() error {
	return c.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS query_history (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	filename TEXT NOT NULL,
	query_text TEXT NOT NULL,
	normalized_query TEXT,
	route TEXT,
	approach TEXT,
	response TEXT,
	entity_matches INTEGER,
	vector_matches INTEGER,
	global_matches INTEGER,
	fallback_matches INTEGER,
	global_fallback INTEGER DEFAULT 0,
	max_local_score REAL,
	latency_ms INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id);
CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

CREATE TABLE IF NOT EXISTS query_sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id TEXT NOT NULL,
	chunk_id TEXT,
	filename TEXT,
	section TEXT,
	match_kind TEXT NOT NULL,
	score REAL,
	FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);
`

func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// SaveQuery writes the record and its sources in one transaction.
func (c *Client) SaveQuery(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, user_id, filename, query_text, normalized_query, route, approach,
			response, entity_matches, vector_matches, global_matches, fallback_matches, global_fallback,
			max_local_score, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.Filename,
		record.QueryText,
		record.NormalizedQuery,
		record.Route,
		record.Approach,
		record.Response,
		record.EntityMatches,
		record.VectorMatches,
		record.GlobalMatches,
		record.FallbackMatches,
		boolToInt(record.GlobalFallback),
		record.MaxLocalScore,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, s := range sources {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO query_sources (query_id, chunk_id, filename, section, match_kind, score) VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID, s.ChunkID, s.Filename, s.Section, s.MatchKind, s.Score,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	logger.Debug("Query recorded",
		zap.String("query_id", record.ID),
		zap.Int("sources", len(sources)),
	)

	return nil
}

func (c *Client) GetQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, filename, query_text, route, approach, response, latency_ms, created_at
		FROM query_history
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	records := []models.QueryRecord{}
	for rows.Next() {
		var r models.QueryRecord
		var createdAt int64
		var route, approach, response sql.NullString

		if err := rows.Scan(&r.ID, &r.UserID, &r.Filename, &r.QueryText, &route, &approach, &response, &r.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Route = route.String
		r.Approach = approach.String
		r.Response = response.String
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate query history: %w", err)
	}

	return records, nil
}

func (c *Client) GetQuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_id, chunk_id, filename, section, match_kind, score
		FROM query_sources
		WHERE query_id = ?
		ORDER BY id`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query sources: %w", err)
	}
	defer rows.Close()

	sources := []models.QuerySource{}
	for rows.Next() {
		var s models.QuerySource
		if err := rows.Scan(&s.ID, &s.QueryID, &s.ChunkID, &s.Filename, &s.Section, &s.MatchKind, &s.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sources = append(sources, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate query sources: %w", err)
	}

	return sources, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
