package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

// Client talks to a text-embeddings-inference style /rerank endpoint.
type Client struct {
	endpoint    string
	model       string
	apiKey      string
	httpClient  *http.Client
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Model    string   `json:"model,omitempty"`
	Truncate bool     `json:"truncate"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func NewClient(cfg config.RerankConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	logger.Info("Rerank client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("model", cfg.Model),
	)

	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		timeout:    timeout,
		cb: circuitbreaker.NewCircuitBreaker("rerank", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          20 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   300 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

// Score returns one relevance score per text, in input order.
func (c *Client) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts, Model: c.model, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rerank request: %w", err)
	}

	var items []rerankItem
	err = c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			items, err = c.post(ctx, body)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	if len(items) != len(texts) {
		return nil, fmt.Errorf("%w: got %d scores for %d texts", ErrScoreMismatch, len(items), len(texts))
	}

	scores := make([]float64, len(texts))
	filled := make([]bool, len(texts))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(texts) || filled[it.Index] {
			return nil, fmt.Errorf("%w: invalid index %d", ErrScoreMismatch, it.Index)
		}
		scores[it.Index] = it.Score
		filled[it.Index] = true
	}

	return scores, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]rerankItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to build rerank request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call rerank service: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("rerank service returned status %d: %s", resp.StatusCode, truncate(string(payload), 200))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(statusErr)
		}
		return nil, statusErr
	}

	var items []rerankItem
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode rerank response: %w", err))
	}

	return items, nil
}

func (c *Client) ModelName() string {
	return c.model
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
