package generation

import "github.com/docqa/backend/internal/retrieval"

type Approach string

const (
	ApproachVector        Approach = "Vector Match"
	ApproachEntity        Approach = "Entity Match"
	ApproachHybrid        Approach = "Hybrid"
	ApproachNotApplicable Approach = "Non applicable"
)

// ComputeApproach labels the answer from the kinds of evidence actually
// present in the final context.
func ComputeApproach(chunks []retrieval.Chunk) Approach {
	var hasEntity, hasVector bool
	for _, c := range chunks {
		switch {
		case c.Kind == retrieval.EntityMatch:
			hasEntity = true
		case c.Kind.IsVector():
			hasVector = true
		}
	}

	switch {
	case hasEntity && hasVector:
		return ApproachHybrid
	case hasVector:
		return ApproachVector
	case hasEntity:
		return ApproachEntity
	default:
		return ApproachNotApplicable
	}
}

type Citation struct {
	Filename string `json:"filename"`
	Section  string `json:"section"`
}

// ExternalCitations lists distinct (file, section) pairs of chunks that come
// from documents other than the target, in context order.
func ExternalCitations(chunks []retrieval.Chunk, target string) []Citation {
	seen := make(map[Citation]struct{})
	out := []Citation{}
	for _, c := range chunks {
		if c.Kind == retrieval.Placeholder || c.Filename == target {
			continue
		}
		cit := Citation{Filename: c.Filename, Section: sectionOrNA(c.Section)}
		if _, ok := seen[cit]; ok {
			continue
		}
		seen[cit] = struct{}{}
		out = append(out, cit)
	}
	return out
}

func sectionOrNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
