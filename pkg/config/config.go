package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	NormalizerPassthrough = "passthrough"
	NormalizerFail        = "fail"

	VectorBackendNeo4j  = "neo4j"
	VectorBackendMilvus = "milvus"
)

type Config struct {
	Server     ServerConfig
	Neo4j      Neo4jConfig
	Milvus     MilvusConfig
	Store      StoreConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Rerank     RerankConfig
	Retrieval  RetrievalConfig
	Normalizer NormalizerConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	MaxQueryLength int
}

type Neo4jConfig struct {
	URI        string
	Username   string
	Password   string
	Database   string
	TimeoutSec int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type StoreConfig struct {
	VectorBackend string
	VectorIndex   string
}

type SQLiteConfig struct {
	Enabled bool
	Path    string
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLMin int
}

type LLMConfig struct {
	APIKey                string
	BaseURL               string
	Model                 string
	CorrectionModel       string
	RouterModel           string
	GenerationTemperature float32
	MaxTokens             int
	TimeoutSec            int
	EmbeddingModel        string
	EmbeddingDim          int
	EmbeddingTimeoutSec   int
}

type RerankConfig struct {
	Endpoint   string
	Model      string
	APIKey     string
	TopN       int
	TimeoutSec int
}

type RetrievalConfig struct {
	LocalTopK            int
	GlobalTopK           int
	FallbackTopK         int
	EntityLimit          int
	GlobalThreshold      float64
	PushDownEntityFilter bool
	Overfetch            int
}

type NormalizerConfig struct {
	FailurePolicy string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/docqa")

	v.SetEnvPrefix("DOCQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Normalizer.FailurePolicy {
	case NormalizerPassthrough, NormalizerFail:
	default:
		return fmt.Errorf("invalid normalizer.failurePolicy %q", c.Normalizer.FailurePolicy)
	}

	switch c.Store.VectorBackend {
	case VectorBackendNeo4j, VectorBackendMilvus:
	default:
		return fmt.Errorf("invalid store.vectorBackend %q", c.Store.VectorBackend)
	}

	if c.Retrieval.GlobalThreshold <= 0 || c.Retrieval.GlobalThreshold > 1 {
		return fmt.Errorf("retrieval.globalThreshold must be within (0,1], got %v", c.Retrieval.GlobalThreshold)
	}
	if c.Retrieval.LocalTopK <= 0 || c.Retrieval.GlobalTopK <= 0 || c.Retrieval.FallbackTopK <= 0 {
		return errors.New("retrieval top-k values must be positive")
	}
	if c.Rerank.TopN <= 0 {
		return fmt.Errorf("rerank.topN must be positive, got %d", c.Rerank.TopN)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:5173"})
	v.SetDefault("server.maxQueryLength", 2000)

	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.username", "")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "")
	v.SetDefault("neo4j.timeoutSec", 10)

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.apiKey", "")
	v.SetDefault("milvus.collectionName", "document_chunks")
	v.SetDefault("milvus.vectorDim", 384)

	v.SetDefault("store.vectorBackend", VectorBackendNeo4j)
	v.SetDefault("store.vectorIndex", "chunk_embeddings_index")

	v.SetDefault("sqlite.enabled", true)
	v.SetDefault("sqlite.path", "./data/docqa.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLMin", 1440)

	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.model", "llama-3.1-8b-instant")
	v.SetDefault("llm.correctionModel", "llama-3.1-8b-instant")
	v.SetDefault("llm.routerModel", "mistral-small-latest")
	v.SetDefault("llm.generationTemperature", 0.3)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 384)
	v.SetDefault("llm.embeddingTimeoutSec", 15)

	v.SetDefault("rerank.endpoint", "http://localhost:8081")
	v.SetDefault("rerank.model", "BAAI/bge-reranker-v2-m3")
	v.SetDefault("rerank.apiKey", "")
	v.SetDefault("rerank.topN", 5)
	v.SetDefault("rerank.timeoutSec", 20)

	v.SetDefault("retrieval.localTopK", 15)
	v.SetDefault("retrieval.globalTopK", 5)
	v.SetDefault("retrieval.fallbackTopK", 3)
	v.SetDefault("retrieval.entityLimit", 5)
	v.SetDefault("retrieval.globalThreshold", 0.70)
	v.SetDefault("retrieval.pushDownEntityFilter", false)
	v.SetDefault("retrieval.overfetch", 4)

	v.SetDefault("normalizer.failurePolicy", NormalizerPassthrough)

	v.SetDefault("ratelimit.requestsPerMinute", 60)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
