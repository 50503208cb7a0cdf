package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchKindIsVector(t *testing.T) {
	tests := map[MatchKind]bool{
		EntityMatch:       false,
		VectorMatch:       true,
		GlobalVectorMatch: true,
		FallbackMatch:     true,
		Placeholder:       false,
	}
	for kind, want := range tests {
		assert.Equal(t, want, kind.IsVector(), string(kind))
	}
}
