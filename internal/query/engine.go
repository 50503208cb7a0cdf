package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/generation"
	"github.com/docqa/backend/internal/intent"
	"github.com/docqa/backend/internal/retrieval"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

var (
	ErrEmptyQuery      = errors.New("query is empty")
	ErrMissingFilename = errors.New("target filename is required")
)

type Stage string

const (
	StageNormalize Stage = "normalize"
	StageRoute     Stage = "route"
	StageRetrieve  Stage = "retrieve"
	StageRerank    Stage = "rerank"
	StageGenerate  Stage = "generate"
	StageDone      Stage = "done"
)

// StageError reports which stage aborted a run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Normalizer interface {
	Normalize(ctx context.Context, query string) (string, error)
}

type Classifier interface {
	Classify(ctx context.Context, query string) (intent.Intent, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.ContextSet, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []retrieval.Chunk) ([]retrieval.Chunk, bool, error)
}

type Generator interface {
	Generate(ctx context.Context, query, target string, chunks []retrieval.Chunk) (*generation.Answer, error)
}

type HistoryStore interface {
	SaveQuery(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error
}

type AccessRecorder interface {
	RecordAccess(ctx context.Context, userID, filename string) error
}

type Observer interface {
	ObserveStage(stage string, d time.Duration, err error)
	ObserveRoute(route string)
	ObserveRetrieval(kindCounts map[string]int, maxLocalScore float64, vectorRan, globalFallback, lastResort bool)
	ObserveRerank(reranked bool)
	ObserveQuery(approach string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration, error) {}
func (nopObserver) ObserveRoute(string) {}
func (nopObserver) ObserveRetrieval(map[string]int, float64, bool, bool, bool) {}
func (nopObserver) ObserveRerank(bool) {}
func (nopObserver) ObserveQuery(string, time.Duration, error) {}

// State is the per-query record each stage reads and extends.
type State struct {
	QueryID         string
	OriginalQuery   string
	NormalizedQuery string
	Filename        string
	UserID          string
	Intent          intent.Intent
	Context         retrieval.ContextSet
	Ranked          []retrieval.Chunk
	Reranked        bool
	Answer          *generation.Answer
	Stage           Stage
}

type Request struct {
	Query    string
	UserID   string
	Filename string
}

type Response struct {
	ID        string
	Answer    string
	Approach  generation.Approach
	Citations []generation.Citation
	LatencyMS int
}

type Engine struct {
	normalizer Normalizer
	router     Classifier
	retriever  Retriever
	reranker   Reranker
	generator  Generator
	history    HistoryStore
	access     AccessRecorder
	observer   Observer
}

type Option func(*Engine)

func WithHistory(store HistoryStore) Option {
	return func(e *Engine) { e.history = store }
}

func WithAccessRecorder(recorder AccessRecorder) Option {
	return func(e *Engine) { e.access = recorder }
}

func WithObserver(observer Observer) Option {
	return func(e *Engine) { e.observer = observer }
}

func NewEngine(normalizer Normalizer, router Classifier, retriever Retriever, reranker Reranker, generator Generator, opts ...Option) *Engine {
	e := &Engine{
		normalizer: normalizer,
		router:     router,
		retriever:  retriever,
		reranker:   reranker,
		generator:  generator,
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type step struct {
	stage Stage
	run   func(context.Context, *State) error
}

func (e *Engine) steps() []step {
	return []step{
		{StageNormalize, e.normalize},
		{StageRoute, e.route},
		{StageRetrieve, e.retrieve},
		{StageRerank, e.rerank},
		{StageGenerate, e.generate},
	}
}

// ProcessQuery runs every stage once, in order. Any stage error aborts the
// run; no partial answer is returned.
func (e *Engine) ProcessQuery(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return nil, ErrMissingFilename
	}

	startTime := time.Now()
	st := &State{
		QueryID:       uuid.New().String(),
		OriginalQuery: query,
		Filename:      filename,
		UserID:        req.UserID,
	}

	logger.Info("Processing query",
		zap.String("query_id", st.QueryID),
		zap.String("filename", st.Filename),
		zap.String("user_id", st.UserID),
	)

	for _, s := range e.steps() {
		st.Stage = s.stage
		stageStart := time.Now()
		err := s.run(ctx, st)
		e.observer.ObserveStage(string(s.stage), time.Since(stageStart), err)
		if err != nil {
			logger.Error("Pipeline stage failed",
				zap.String("query_id", st.QueryID),
				zap.String("stage", string(s.stage)),
				zap.Error(err),
			)
			e.observer.ObserveQuery("", time.Since(startTime), err)
			return nil, &StageError{Stage: s.stage, Err: err}
		}
	}
	st.Stage = StageDone

	latency := time.Since(startTime)
	e.observer.ObserveQuery(string(st.Answer.Approach), latency, nil)

	e.recordHistory(ctx, st, int(latency.Milliseconds()))
	e.recordAccess(ctx, st)

	logger.Info("Query processed successfully",
		zap.String("query_id", st.QueryID),
		zap.String("approach", string(st.Answer.Approach)),
		zap.Int64("latency_ms", latency.Milliseconds()),
	)

	return &Response{
		ID:        st.QueryID,
		Answer:    st.Answer.Text,
		Approach:  st.Answer.Approach,
		Citations: st.Answer.Citations,
		LatencyMS: int(latency.Milliseconds()),
	}, nil
}

func (e *Engine) normalize(ctx context.Context, st *State) error {
	normalized, err := e.normalizer.Normalize(ctx, st.OriginalQuery)
	if err != nil {
		return err
	}
	st.NormalizedQuery = normalized
	return nil
}

func (e *Engine) route(ctx context.Context, st *State) error {
	in, err := e.router.Classify(ctx, st.NormalizedQuery)
	if err != nil {
		return err
	}
	st.Intent = in
	e.observer.ObserveRoute(string(in.Route))

	logger.Info("Query routed",
		zap.String("query_id", st.QueryID),
		zap.String("route", string(in.Route)),
		zap.Strings("entities", in.Entities),
		zap.Strings("keywords", in.Keywords),
	)
	return nil
}

func (e *Engine) retrieve(ctx context.Context, st *State) error {
	cs, err := e.retriever.Retrieve(ctx, retrieval.Request{
		QueryID:         st.QueryID,
		OriginalQuery:   st.OriginalQuery,
		NormalizedQuery: st.NormalizedQuery,
		Filename:        st.Filename,
		Intent:          st.Intent,
	})
	if err != nil {
		return err
	}
	st.Context = cs

	counts := make(map[string]int)
	for _, c := range cs.Chunks {
		counts[string(c.Kind)]++
	}
	e.observer.ObserveRetrieval(counts, cs.MaxLocalScore, st.Intent.Route.UsesVectors(), cs.GlobalFallback, cs.LastResort)
	return nil
}

func (e *Engine) rerank(ctx context.Context, st *State) error {
	ranked, reranked, err := e.reranker.Rerank(ctx, st.NormalizedQuery, st.Context.Chunks)
	if err != nil {
		return err
	}
	st.Ranked = ranked
	st.Reranked = reranked
	e.observer.ObserveRerank(reranked)
	return nil
}

func (e *Engine) generate(ctx context.Context, st *State) error {
	answer, err := e.generator.Generate(ctx, st.NormalizedQuery, st.Filename, st.Ranked)
	if err != nil {
		return err
	}
	st.Answer = answer
	return nil
}

func (e *Engine) recordHistory(ctx context.Context, st *State, latencyMS int) {
	if e.history == nil {
		return
	}

	record := &models.QueryRecord{
		ID:              st.QueryID,
		UserID:          st.UserID,
		Filename:        st.Filename,
		QueryText:       st.OriginalQuery,
		NormalizedQuery: st.NormalizedQuery,
		Route:           string(st.Intent.Route),
		Approach:        string(st.Answer.Approach),
		Response:        st.Answer.Text,
		EntityMatches:   st.Context.Count(retrieval.EntityMatch),
		VectorMatches:   st.Context.Count(retrieval.VectorMatch),
		GlobalMatches:   st.Context.Count(retrieval.GlobalVectorMatch),
		FallbackMatches: st.Context.Count(retrieval.FallbackMatch),
		GlobalFallback:  st.Context.GlobalFallback,
		MaxLocalScore:   st.Context.MaxLocalScore,
		LatencyMS:       latencyMS,
		CreatedAt:       time.Now(),
	}

	sources := make([]models.QuerySource, 0, len(st.Ranked))
	for _, c := range st.Ranked {
		if c.Kind == retrieval.Placeholder {
			continue
		}
		sources = append(sources, models.QuerySource{
			QueryID:   st.QueryID,
			ChunkID:   c.ChunkID,
			Filename:  c.Filename,
			Section:   c.Section,
			MatchKind: string(c.Kind),
			Score:     c.Score,
		})
	}

	if err := e.history.SaveQuery(ctx, record, sources); err != nil {
		logger.Warn("Failed to save query history", zap.String("query_id", st.QueryID), zap.Error(err))
	}
}

func (e *Engine) recordAccess(ctx context.Context, st *State) {
	if e.access == nil || st.UserID == "" {
		return
	}
	if err := e.access.RecordAccess(ctx, st.UserID, st.Filename); err != nil {
		logger.Warn("Failed to record document access",
			zap.String("query_id", st.QueryID),
			zap.String("user_id", st.UserID),
			zap.Error(err),
		)
	}
}
