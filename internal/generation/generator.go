package generation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/retrieval"
	"github.com/docqa/backend/pkg/logger"
)

const (
	RefusalSentence    = "I'm sorry, but the provided document does not contain enough information to answer this question."
	externalNotePrefix = "External sources used:"
	footerLabel        = "**Retrieval approach:**"
)

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Answer struct {
	Text      string
	Approach  Approach
	Citations []Citation
}

type Generator struct {
	llm         Completer
	model       string
	temperature float32
	maxTokens   int
}

func NewGenerator(completer Completer, model string, temperature float32, maxTokens int) *Generator {
	return &Generator{llm: completer, model: model, temperature: temperature, maxTokens: maxTokens}
}

const systemPrompt = `You summarise PDF documents for a question answering service. If you are asked anything outside that scope, reply that you cannot answer because the question is not relevant.`

// Generate synthesises the grounded answer. The approach label and the
// external citation note are computed here, not trusted from the model.
func (g *Generator) Generate(ctx context.Context, query, target string, chunks []retrieval.Chunk) (*Answer, error) {
	approach := ComputeApproach(chunks)
	citations := ExternalCitations(chunks, target)

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		Model:        g.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   buildPrompt(query, target, chunks),
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	text := finalize(resp.Content, approach, citations)

	logger.Info("Answer generated",
		zap.String("approach", string(approach)),
		zap.Int("chunks", len(chunks)),
		zap.Int("external_sources", len(citations)),
		zap.Int("answer_length", len(text)),
	)

	return &Answer{Text: text, Approach: approach, Citations: citations}, nil
}

// BuildContext renders chunks one per block, separated by blank lines.
func BuildContext(chunks []retrieval.Chunk) string {
	blocks := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Kind == retrieval.Placeholder {
			blocks = append(blocks, c.Content)
			continue
		}
		blocks = append(blocks, fmt.Sprintf("[Source: %s | Section: %s] [%s] %s",
			c.Filename, sectionOrNA(c.Section), c.Kind, c.Content))
	}
	return strings.Join(blocks, "\n\n")
}

func buildPrompt(query, target string, chunks []retrieval.Chunk) string {
	var b strings.Builder

	b.WriteString(`### ROLE
You are an assistant specialised in analysing medical and technical-scientific documents.
Your answers must be accurate, verifiable and evidence based. Never infer anything the sources do not support.

### CONTEXT (VERIFIED SOURCES)
Each fragment below is labelled with how it was retrieved:
- [Vector Match], [Global Vector Match], [Fallback Match]: semantic similarity
- [Entity Match]: explicit entity lookup
Use only the information in these fragments.
---------------------
`)
	b.WriteString(BuildContext(chunks))
	b.WriteString("\n---------------------\n\n")

	fmt.Fprintf(&b, `### CITATION RULES
1. If you use information from a file other than '%s', list at the end of the answer which file and section it came from.
2. Use the format: "%s <file name> (<section>); <file name> (<section>)".

### GENERATION RULES
1. Answer only with information present in the context. Do not add external knowledge, general guidelines or personal interpretation.
2. If the context does not hold enough directly relevant information, reply exactly with this sentence and nothing else:
"%s"
3. Do not deduce, estimate, generalise or complete missing information. Anything not explicitly in the fragments does not exist.
4. Use clear, neutral, technical language. Prefer short prose and use bullet points only when they help.

### REQUIRED STRUCTURE
- Start directly with the answer.
- End with exactly one horizontal separator line "---".
- On a new line after it write: %s <approach>
  where <approach> is one of Vector Match, Entity Match, Hybrid.

### USER QUESTION
%q
`, target, externalNotePrefix, RefusalSentence, footerLabel, query)

	return b.String()
}

// finalize replaces any model-written footer with the computed one and
// inserts the external source note when the model left it out.
func finalize(raw string, approach Approach, citations []Citation) string {
	body := stripFooter(strings.TrimSpace(raw))

	if len(citations) > 0 && !isRefusal(body) && !strings.Contains(body, externalNotePrefix) {
		if body != "" {
			body += "\n\n"
		}
		body += formatExternalNote(citations)
	}

	if body != "" {
		body += "\n\n"
	}
	return body + "---\n" + footerLabel + " " + string(approach)
}

// stripFooter removes a trailing "Retrieval approach:" line and the
// separator above it. Mentions of the phrase inside the answer are kept.
func stripFooter(text string) string {
	lines := strings.Split(text, "\n")
	lines = trimBlankTail(lines)
	if len(lines) == 0 || !isFooterLine(lines[len(lines)-1]) {
		return text
	}

	lines = lines[:len(lines)-1]
	for len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last == "" || strings.Trim(last, "-") == "" {
			lines = lines[:len(lines)-1]
			continue
		}
		break
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func isFooterLine(line string) bool {
	line = strings.ToLower(strings.TrimLeft(strings.TrimSpace(line), "*_ "))
	return strings.HasPrefix(line, "retrieval approach:") || strings.HasPrefix(line, "retrieval approach**:")
}

func trimBlankTail(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func isRefusal(body string) bool {
	return strings.Trim(body, "\"> \t\n") == RefusalSentence
}

func formatExternalNote(citations []Citation) string {
	parts := make([]string, len(citations))
	for i, c := range citations {
		parts[i] = fmt.Sprintf("%s (%s)", c.Filename, c.Section)
	}
	return externalNotePrefix + " " + strings.Join(parts, "; ")
}
