package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/generation"
	"github.com/docqa/backend/internal/middleware/validation"
	"github.com/docqa/backend/internal/query"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type QueryProcessor interface {
	ProcessQuery(ctx context.Context, req query.Request) (*query.Response, error)
}

type HistoryReader interface {
	GetQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error)
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type QueryHandler struct {
	queryEngine    QueryProcessor
	history        HistoryReader
	maxQueryLength int
}

// NewQueryHandler builds the chat and history endpoints. history may be nil
// when query history is disabled.
func NewQueryHandler(queryEngine QueryProcessor, history HistoryReader, maxQueryLength int) *QueryHandler {
	return &QueryHandler{
		queryEngine:    queryEngine,
		history:        history,
		maxQueryLength: maxQueryLength,
	}
}

type chatResponse struct {
	QueryID         string                `json:"query_id"`
	Answer          string                `json:"answer"`
	Approach        generation.Approach   `json:"approach"`
	ExternalSources []generation.Citation `json:"external_sources"`
	LatencyMS       int                   `json:"latency_ms"`
}

func (h *QueryHandler) HandleChat(c *fiber.Ctx) error {
	req, ok := c.Locals(validation.LocalsKey).(validation.ChatRequest)
	if !ok {
		if err := c.BodyParser(&req); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
		var msg string
		if req, msg = validation.Sanitize(req, h.maxQueryLength); msg != "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
		}
	}

	response, err := h.queryEngine.ProcessQuery(c.UserContext(), query.Request{
		Query:    req.Query,
		UserID:   req.UserID,
		Filename: req.Filename,
	})
	if err != nil {
		if errors.Is(err, query.ErrEmptyQuery) || errors.Is(err, query.ErrMissingFilename) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	return c.JSON(newChatResponse(response))
}

func newChatResponse(r *query.Response) chatResponse {
	citations := r.Citations
	if citations == nil {
		citations = []generation.Citation{}
	}
	return chatResponse{
		QueryID:         r.ID,
		Answer:          r.Answer,
		Approach:        r.Approach,
		ExternalSources: citations,
		LatencyMS:       r.LatencyMS,
	}
}

type historyEntry struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	Query           string    `json:"query"`
	NormalizedQuery string    `json:"normalized_query"`
	Route           string    `json:"route"`
	Approach        string    `json:"approach"`
	Answer          string    `json:"answer"`
	GlobalFallback  bool      `json:"global_fallback"`
	LatencyMS       int       `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	if h.history == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Query history is disabled",
		})
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	records, err := h.history.GetQueryHistory(c.UserContext(), userID, limit)
	if err != nil {
		logger.Error("Failed to load query history", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load query history",
		})
	}

	entries := make([]historyEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, historyEntry{
			ID:              r.ID,
			Filename:        r.Filename,
			Query:           r.QueryText,
			NormalizedQuery: r.NormalizedQuery,
			Route:           r.Route,
			Approach:        r.Approach,
			Answer:          r.Response,
			GlobalFallback:  r.GlobalFallback,
			LatencyMS:       r.LatencyMS,
			CreatedAt:       r.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"history": entries,
	})
}
