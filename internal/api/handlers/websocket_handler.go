package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/middleware/validation"
	"github.com/docqa/backend/internal/query"
	"github.com/docqa/backend/pkg/logger"
)

type WebSocketHandler struct {
	queryEngine    QueryProcessor
	maxQueryLength int
	queryTimeout   time.Duration
}

func NewWebSocketHandler(queryEngine QueryProcessor, maxQueryLength int, queryTimeout time.Duration) *WebSocketHandler {
	if queryTimeout <= 0 {
		queryTimeout = 2 * time.Minute
	}
	return &WebSocketHandler{
		queryEngine:    queryEngine,
		maxQueryLength: maxQueryLength,
		queryTimeout:   queryTimeout,
	}
}

type wsMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
}

// messageWriter is the subset of *websocket.Conn used for replies.
type messageWriter interface {
	WriteJSON(v interface{}) error
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "query" {
			continue
		}

		if err := h.handleQuery(c, msg); err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			break
		}
	}
}

// handleQuery answers one query message. Only write failures are returned;
// pipeline failures are reported to the client as error messages.
func (h *WebSocketHandler) handleQuery(w messageWriter, msg wsMessage) error {
	req, problem := validation.Sanitize(validation.ChatRequest{
		Query:    msg.Content,
		UserID:   msg.UserID,
		Filename: msg.Filename,
	}, h.maxQueryLength)
	if problem != "" {
		return sendError(w, problem)
	}

	if err := sendChunk(w, "status", "Processing query..."); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.queryTimeout)
	defer cancel()

	response, err := h.queryEngine.ProcessQuery(ctx, query.Request{
		Query:    req.Query,
		UserID:   req.UserID,
		Filename: req.Filename,
	})
	if err != nil {
		logger.Error("Failed to process WebSocket query", zap.Error(err))
		return sendError(w, "Failed to process query")
	}

	words := splitIntoWords(response.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := sendChunk(w, "chunk", chunk); err != nil {
			return err
		}
	}

	return sendComplete(w, response)
}

func sendChunk(w messageWriter, msgType, content string) error {
	return w.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func sendComplete(w messageWriter, response *query.Response) error {
	complete := newChatResponse(response)
	return w.WriteJSON(map[string]interface{}{
		"type":             "complete",
		"query_id":         complete.QueryID,
		"approach":         complete.Approach,
		"external_sources": complete.ExternalSources,
		"latency_ms":       complete.LatencyMS,
	})
}

func sendError(w messageWriter, errorMsg string) error {
	return w.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}

// splitIntoWords splits on spaces and keeps each newline as its own token.
func splitIntoWords(text string) []string {
	words := []string{}
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			words = append(words, "\n")
		}
		words = append(words, strings.Fields(line)...)
	}
	return words
}
