package intent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/pkg/logger"
)

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Router struct {
	llm   Completer
	model string
}

func NewRouter(completer Completer, model string) *Router {
	return &Router{llm: completer, model: model}
}

const systemPrompt = `You are the query analyser of a retrieval-augmented question answering system backed by a Neo4j knowledge graph.
Your only task is to decompose the user's question and decide the best retrieval strategy.
Documents may come from any domain (medical, technical, legal, ...). Notice specialist terms, acronyms, units and domain concepts.

Return exactly one JSON object with these fields:
1. "route":
   - "cypher": the question targets specific, uniquely identifiable entities (names, exact dates) and wants a pointed answer.
   - "vector": the question is conceptual or descriptive and needs semantic similarity.
   - "hybrid": the question names specific entities or technical terms but asks for explanations, examples or relationships between them.
2. "entities": the named entities mentioned in the question.
3. "keywords": 3 to 5 normalized nouns or short noun phrases for semantic search.

Examples:
User: "What were Amanda's BMI Z-score values in 2024?"
Output: {"route": "cypher", "entities": ["Amanda", "BMI Z-score", "2024"], "keywords": ["bmi z-score values", "patient amanda", "2024 data"]}

User: "Explain how diet affects growth in children with CF."
Output: {"route": "vector", "entities": ["CF"], "keywords": ["cystic fibrosis diet", "child growth", "nutrition"]}

User: "What is Mario Rossi's BMI in 2023?"
Output: {"route": "hybrid", "entities": ["Mario Rossi", "BMI", "2023"], "keywords": ["bmi assessment", "mario rossi", "2023 clinical record"]}

Hard constraints:
- Output valid JSON only.
- No introductions, comments or explanations.
- Any character outside the JSON object is a failure.`

// Classify asks the classification model for an Intent. Unusable output
// degrades to Default; a failed model call is returned as an error.
func (r *Router) Classify(ctx context.Context, query string) (Intent, error) {
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		Model:        r.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf("Question to analyse:\n%q", query),
		Temperature:  0,
		MaxTokens:    300,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("failed to classify query: %w", err)
	}

	parsed, err := Parse(resp.Content)
	if err != nil {
		logger.Warn("Malformed classification output, using default intent",
			zap.Error(err),
			zap.String("raw", truncate(resp.Content, 200)),
		)
		return Default(), nil
	}

	logger.Debug("Classification parsed",
		zap.String("route", string(parsed.Route)),
		zap.Strings("entities", parsed.Entities),
		zap.Strings("keywords", parsed.Keywords),
	)

	return parsed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
