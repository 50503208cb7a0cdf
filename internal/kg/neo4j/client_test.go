package neo4j

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/retry"
)

func TestNewClient_MissingSettings(t *testing.T) {
	_, err := NewClient(context.Background(),
		config.Neo4jConfig{URI: "neo4j://localhost:7687", Username: "neo4j"},
		config.StoreConfig{VectorIndex: "chunk_embeddings_index"},
		config.RetrievalConfig{},
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "neo4j.password")
	assert.Contains(t, err.Error(), "neo4j.database")
	assert.NotContains(t, err.Error(), "neo4j.uri")
}

func TestHitFromRecord(t *testing.T) {
	record := &neo4j.Record{
		Keys:   []string{"chunk_id", "content", "section", "filename", "score"},
		Values: []any{"c-17", "BMI z-score was -0.4", "Results", "report.pdf", 0.83},
	}

	hit := hitFromRecord(record)
	assert.Equal(t, "c-17", hit.ChunkID)
	assert.Equal(t, "BMI z-score was -0.4", hit.Content)
	assert.Equal(t, "Results", hit.Section)
	assert.Equal(t, "report.pdf", hit.Filename)
	assert.InDelta(t, 0.83, hit.Score, 1e-9)
}

func TestHitFromRecord_NullsAndIntegers(t *testing.T) {
	record := &neo4j.Record{
		Keys:   []string{"chunk_id", "content", "section", "filename", "score"},
		Values: []any{"c-1", nil, nil, "report.pdf", int64(1)},
	}

	hit := hitFromRecord(record)
	assert.Empty(t, hit.Content)
	assert.Empty(t, hit.Section)
	assert.Equal(t, 1.0, hit.Score)
}

func TestClassify(t *testing.T) {
	syntax := &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "bad"}
	transient := &neo4j.Neo4jError{Code: "Neo.TransientError.General.DatabaseUnavailable", Msg: "busy"}

	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, InitialDelay: 1}, func() error {
		calls++
		return classify(syntax)
	})
	assert.Equal(t, 1, calls)
	assert.True(t, errors.As(err, new(*neo4j.Neo4jError)))

	assert.Equal(t, error(transient), classify(transient))
}

func TestToFloat64s(t *testing.T) {
	assert.Equal(t, []float64{0.5, -1}, toFloat64s([]float32{0.5, -1}))
}
