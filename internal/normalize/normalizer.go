package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
)

var ErrEmptyCorrection = errors.New("correction returned empty output")

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Normalizer struct {
	llm    Completer
	model  string
	policy string
}

func NewNormalizer(completer Completer, model, policy string) *Normalizer {
	if policy == "" {
		policy = config.NormalizerPassthrough
	}
	return &Normalizer{llm: completer, model: model, policy: policy}
}

const systemPrompt = `You are a pure text corrector. Do not greet. Do not explain. Return ONLY the result.`

const userPromptTemplate = `### ROLE
You fix spelling, grammar and syntax. Your only output is the corrected query.

### TASK
1. Correction: fix spelling, syntax, grammar and typing mistakes.
2. Minimalism: DO NOT add context, synonyms or interpretations. If the question is already clear, return it unchanged.

### EXAMPLES
Input: "what is the 'persona'?" -> Output: what is the 'persona'?
Input: "explain the prompt pttern" -> Output: explain the prompt pattern
Input: "What are its symtoms?" -> Output: What are its symptoms?

USER QUERY: %q
OUTPUT:`

// Normalize returns the corrected query. When correction fails or comes back
// empty the configured policy decides between the original query and an error.
func (n *Normalizer) Normalize(ctx context.Context, query string) (string, error) {
	corrected, err := n.correct(ctx, query)
	if err == nil {
		logger.Debug("Query normalized", zap.String("original", query), zap.String("normalized", corrected))
		return corrected, nil
	}

	if n.policy == config.NormalizerFail {
		return "", err
	}

	logger.Warn("Query normalization failed, passing original query through", zap.Error(err))
	return query, nil
}

func (n *Normalizer) correct(ctx context.Context, query string) (string, error) {
	resp, err := n.llm.Complete(ctx, llm.CompletionRequest{
		Model:        n.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf(userPromptTemplate, query),
		Temperature:  0,
		MaxTokens:    256,
	})
	if err != nil {
		return "", fmt.Errorf("failed to normalize query: %w", err)
	}

	corrected := Clean(resp.Content)
	if corrected == "" {
		return "", ErrEmptyCorrection
	}
	return corrected, nil
}

// Clean strips the labels and quoting the correction model tends to add.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimPrefix(s, "OUTPUT:"))
	s = strings.ReplaceAll(s, "Output:", "")
	s = strings.ReplaceAll(s, `"`, "")
	return strings.TrimSpace(s)
}
