package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/retrieval"
)

const target = "report.pdf"

func chunk(id string, kind retrieval.MatchKind, file, section string) retrieval.Chunk {
	return retrieval.Chunk{ChunkID: id, Content: "content " + id, Filename: file, Section: section, Kind: kind}
}

func TestComputeApproach(t *testing.T) {
	tests := []struct {
		name  string
		kinds []retrieval.MatchKind
		want  Approach
	}{
		{"entity only", []retrieval.MatchKind{retrieval.EntityMatch, retrieval.EntityMatch}, ApproachEntity},
		{"vector only", []retrieval.MatchKind{retrieval.VectorMatch}, ApproachVector},
		{"global counts as vector", []retrieval.MatchKind{retrieval.GlobalVectorMatch}, ApproachVector},
		{"fallback counts as vector", []retrieval.MatchKind{retrieval.FallbackMatch}, ApproachVector},
		{"entity and fallback", []retrieval.MatchKind{retrieval.EntityMatch, retrieval.FallbackMatch}, ApproachHybrid},
		{"entity and global", []retrieval.MatchKind{retrieval.EntityMatch, retrieval.GlobalVectorMatch}, ApproachHybrid},
		{"placeholder only", []retrieval.MatchKind{retrieval.Placeholder}, ApproachNotApplicable},
		{"empty", nil, ApproachNotApplicable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cs []retrieval.Chunk
			for _, k := range tt.kinds {
				cs = append(cs, chunk("c", k, target, "s"))
			}
			assert.Equal(t, tt.want, ComputeApproach(cs))
		})
	}
}

func TestExternalCitations(t *testing.T) {
	cs := []retrieval.Chunk{
		chunk("a", retrieval.VectorMatch, target, "Intro"),
		chunk("b", retrieval.GlobalVectorMatch, "guide.pdf", "Dosage"),
		chunk("c", retrieval.GlobalVectorMatch, "guide.pdf", "Dosage"),
		chunk("d", retrieval.GlobalVectorMatch, "atlas.pdf", ""),
		chunk("e", retrieval.Placeholder, "elsewhere.pdf", ""),
	}

	assert.Equal(t, []Citation{
		{Filename: "guide.pdf", Section: "Dosage"},
		{Filename: "atlas.pdf", Section: "N/A"},
	}, ExternalCitations(cs, target))
	assert.Empty(t, ExternalCitations(cs[:1], target))
}

func TestBuildContext(t *testing.T) {
	got := BuildContext([]retrieval.Chunk{
		chunk("a", retrieval.EntityMatch, target, "Results"),
		chunk("b", retrieval.VectorMatch, target, ""),
	})

	assert.Equal(t,
		"[Source: report.pdf | Section: Results] [Entity Match] content a\n\n"+
			"[Source: report.pdf | Section: N/A] [Vector Match] content b",
		got)
}

func TestFinalize(t *testing.T) {
	guide := []Citation{{Filename: "guide.pdf", Section: "Dosage"}}

	tests := []struct {
		name      string
		raw       string
		approach  Approach
		citations []Citation
		want      string
	}{
		{
			name:     "appends missing footer",
			raw:      "The BMI was 21.",
			approach: ApproachEntity,
			want:     "The BMI was 21.\n\n---\n**Retrieval approach:** Entity Match",
		},
		{
			name:     "replaces wrong model footer",
			raw:      "The BMI was 21.\n\n---\n**Retrieval approach:** Vector Match\n",
			approach: ApproachHybrid,
			want:     "The BMI was 21.\n\n---\n**Retrieval approach:** Hybrid",
		},
		{
			name:      "inserts external note before footer",
			raw:       "Take 5 mg daily.\n---\nRetrieval approach: Vector Match",
			approach:  ApproachVector,
			citations: guide,
			want:      "Take 5 mg daily.\n\nExternal sources used: guide.pdf (Dosage)\n\n---\n**Retrieval approach:** Vector Match",
		},
		{
			name:      "keeps model written note",
			raw:       "Take 5 mg daily.\n\nExternal sources used: guide.pdf (Dosage)",
			approach:  ApproachVector,
			citations: guide,
			want:      "Take 5 mg daily.\n\nExternal sources used: guide.pdf (Dosage)\n\n---\n**Retrieval approach:** Vector Match",
		},
		{
			name:     "keeps answer that mentions the phrase without a footer",
			raw:      "The paper compares two designs.\nThe hybrid retrieval approach combines graph lookups with vectors.\nIt improves recall by 12%.",
			approach: ApproachHybrid,
			want:     "The paper compares two designs.\nThe hybrid retrieval approach combines graph lookups with vectors.\nIt improves recall by 12%.\n\n---\n**Retrieval approach:** Hybrid",
		},
		{
			name:     "keeps body line starting with the phrase when more text follows",
			raw:      "Retrieval approach: graph first.\nThen vectors fill the gaps.",
			approach: ApproachVector,
			want:     "Retrieval approach: graph first.\nThen vectors fill the gaps.\n\n---\n**Retrieval approach:** Vector Match",
		},
		{
			name:      "refusal gets no note",
			raw:       RefusalSentence,
			approach:  ApproachVector,
			citations: guide,
			want:      RefusalSentence + "\n\n---\n**Retrieval approach:** Vector Match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, finalize(tt.raw, tt.approach, tt.citations))
		})
	}
}

type fakeCompleter struct {
	content string
	err     error
	got     llm.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.content}, nil
}

func TestStripFooter(t *testing.T) {
	tests := map[string]string{
		"Answer.\n\n---\n**Retrieval approach:** Hybrid\n\n": "Answer.",
		"Answer.\n__Retrieval approach:__ Entity Match":      "Answer.",
		"Answer.\nretrieval approach: vector":                "Answer.",
		"We used a retrieval approach: dense vectors.":       "We used a retrieval approach: dense vectors.",
		"Answer.\n---\nSee section 2.":                       "Answer.\n---\nSee section 2.",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripFooter(in), in)
	}
}

func TestGenerate(t *testing.T) {
	fc := &fakeCompleter{content: "Mario Rossi's BMI in 2023 was 21.4.\n\n---\n**Retrieval approach:** Entity Match"}
	g := NewGenerator(fc, "synth-model", 0.3, 1024)

	ans, err := g.Generate(context.Background(), "What is Mario Rossi's BMI in 2023?", target, []retrieval.Chunk{
		chunk("e1", retrieval.EntityMatch, target, "Patients"),
		chunk("v1", retrieval.VectorMatch, target, "Patients"),
	})
	require.NoError(t, err)

	assert.Equal(t, ApproachHybrid, ans.Approach)
	assert.Empty(t, ans.Citations)
	assert.True(t, strings.HasSuffix(ans.Text, "**Retrieval approach:** Hybrid"))
	assert.Equal(t, 1, strings.Count(ans.Text, "Retrieval approach"))

	assert.Equal(t, "synth-model", fc.got.Model)
	assert.InDelta(t, 0.3, float64(fc.got.Temperature), 1e-6)
	assert.Contains(t, fc.got.UserPrompt, "[Source: report.pdf | Section: Patients] [Entity Match] content e1")
	assert.Contains(t, fc.got.UserPrompt, RefusalSentence)
}

func TestGenerate_ServiceFailure(t *testing.T) {
	boom := errors.New("502")
	g := NewGenerator(&fakeCompleter{err: boom}, "m", 0.3, 0)

	_, err := g.Generate(context.Background(), "q", target, []retrieval.Chunk{chunk("v", retrieval.VectorMatch, target, "")})
	assert.ErrorIs(t, err, boom)
}
