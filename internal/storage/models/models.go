package models

import "time"

// ChunkHit is a chunk returned by a knowledge store lookup, before the
// retrieval stage tags it with how it was found.
type ChunkHit struct {
	ChunkID  string
	Content  string
	Filename string
	Section  string
	Score    float64
	Entity   string
}

type QueryRecord struct {
	ID              string
	UserID          string
	Filename        string
	QueryText       string
	NormalizedQuery string
	Route           string
	Approach        string
	Response        string
	EntityMatches   int
	VectorMatches   int
	GlobalMatches   int
	FallbackMatches int
	GlobalFallback  bool
	MaxLocalScore   float64
	LatencyMS       int
	CreatedAt       time.Time
}

type QuerySource struct {
	ID        int
	QueryID   string
	ChunkID   string
	Filename  string
	Section   string
	MatchKind string
	Score     float64
}
