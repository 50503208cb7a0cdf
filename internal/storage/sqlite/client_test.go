package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/storage/models"
)

func setupMock(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newFromDB(db), mock
}

func sampleRecord() *models.QueryRecord {
	return &models.QueryRecord{
		ID:              "q-1",
		UserID:          "u-1",
		Filename:        "report.pdf",
		QueryText:       "waht is the BMI",
		NormalizedQuery: "What is the BMI?",
		Route:           "hybrid",
		Approach:        "Hybrid",
		Response:        "answer",
		EntityMatches:   2,
		VectorMatches:   3,
		GlobalFallback:  true,
		MaxLocalScore:   0.62,
		LatencyMS:       840,
		CreatedAt:       time.Unix(1700000000, 0),
	}
}

func TestSaveQuery(t *testing.T) {
	client, mock := setupMock(t)
	record := sampleRecord()
	sources := []models.QuerySource{
		{ChunkID: "c1", Filename: "report.pdf", Section: "Intro", MatchKind: "Entity Match", Score: 1},
		{ChunkID: "g1", Filename: "guide.pdf", Section: "Dosage", MatchKind: "Global Vector Match", Score: 0.71},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO query_history").
		WithArgs("q-1", "u-1", "report.pdf", "waht is the BMI", "What is the BMI?", "hybrid", "Hybrid",
			"answer", 2, 3, 0, 0, 1, 0.62, 840, int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO query_sources").
		WithArgs("q-1", "c1", "report.pdf", "Intro", "Entity Match", 1.0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO query_sources").
		WithArgs("q-1", "g1", "guide.pdf", "Dosage", "Global Vector Match", 0.71).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, client.SaveQuery(context.Background(), record, sources))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveQuery_RollsBackOnSourceFailure(t *testing.T) {
	client, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO query_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO query_sources").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := client.SaveQuery(context.Background(), sampleRecord(), []models.QuerySource{{ChunkID: "c1", MatchKind: "Vector Match"}})
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueryHistory(t *testing.T) {
	client, mock := setupMock(t)

	rows := sqlmock.NewRows([]string{"id", "user_id", "filename", "query_text", "route", "approach", "response", "latency_ms", "created_at"}).
		AddRow("q-2", "u-1", "report.pdf", "second", "vector", "Vector Match", "a2", 500, int64(1700000100)).
		AddRow("q-1", "u-1", "report.pdf", "first", nil, nil, nil, 900, int64(1700000000))
	mock.ExpectQuery("SELECT (.+) FROM query_history").WithArgs("u-1", 10).WillReturnRows(rows)

	records, err := client.GetQueryHistory(context.Background(), "u-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "q-2", records[0].ID)
	assert.Equal(t, "Vector Match", records[0].Approach)
	assert.Equal(t, time.Unix(1700000100, 0), records[0].CreatedAt)
	assert.Empty(t, records[1].Route)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQuerySources(t *testing.T) {
	client, mock := setupMock(t)

	rows := sqlmock.NewRows([]string{"id", "query_id", "chunk_id", "filename", "section", "match_kind", "score"}).
		AddRow(1, "q-1", "c1", "report.pdf", "Intro", "Entity Match", 1.0)
	mock.ExpectQuery("SELECT (.+) FROM query_sources").WithArgs("q-1").WillReturnRows(rows)

	sources, err := client.GetQuerySources(context.Background(), "q-1")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "Entity Match", sources[0].MatchKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}
