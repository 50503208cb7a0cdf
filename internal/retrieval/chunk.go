package retrieval

import "fmt"

// MatchKind records which strategy produced a chunk.
type MatchKind string

const (
	EntityMatch       MatchKind = "Entity Match"
	VectorMatch       MatchKind = "Vector Match"
	GlobalVectorMatch MatchKind = "Global Vector Match"
	FallbackMatch     MatchKind = "Fallback Match"
	Placeholder       MatchKind = "Placeholder"
)

// IsVector reports whether the kind came from a similarity search.
func (k MatchKind) IsVector() bool {
	return k == VectorMatch || k == GlobalVectorMatch || k == FallbackMatch
}

type Chunk struct {
	ChunkID  string
	Content  string
	Filename string
	Section  string
	Score    float64
	Kind     MatchKind
	// Entity is the query entity that matched, set for EntityMatch only.
	Entity string
}

// ContextSet is the ordered, de-duplicated evidence handed to reranking.
type ContextSet struct {
	Chunks []Chunk
	// MaxLocalScore is the best score of the target-scoped similarity search.
	MaxLocalScore  float64
	GlobalFallback bool
	LastResort     bool
}

func (cs ContextSet) Len() int {
	return len(cs.Chunks)
}

func (cs ContextSet) Count(kind MatchKind) int {
	n := 0
	for _, c := range cs.Chunks {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func placeholderChunk(filename string) Chunk {
	return Chunk{
		ChunkID:  "placeholder",
		Content:  fmt.Sprintf("No specific information was found in the knowledge base for the file %s.", filename),
		Filename: filename,
		Kind:     Placeholder,
	}
}
