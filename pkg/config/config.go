package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Blob       BlobConfig
	Vector     VectorConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Processing ProcessingConfig
	Chat       ChatConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type BlobConfig struct {
	Dir string
}

type VectorConfig struct {
	Provider string
	Milvus   MilvusConfig
	Qdrant   QdrantConfig
}

type MilvusConfig struct {
	Endpoint   string
	APIKey     string
	Collection string
}

type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type LLMConfig struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float32
	MaxTokens           int
	TimeoutSec          int
	EmbeddingModel      string
	EmbeddingDim        int
	EmbeddingBatchSize  int
	EmbeddingTimeoutSec int
}

type ProcessingConfig struct {
	ChunkMaxTokens     int
	ChunkOverlapTokens int
	AnalysisMaxChars   int
	StageRetries       int
	MaxFileSizeMB      int
	AllowedTypes       []string
}

type ChatConfig struct {
	TopK            int
	MinSimilarity   float32
	MaxSources      int
	MaxQuestionLen  int
	HistoryPageSize int
}

type RateLimitConfig struct {
	Enabled   bool
	PerMinute int
	Burst     int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/clauselens")

	viper.SetEnvPrefix("CLAUSELENS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 60)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 26214400)
	viper.SetDefault("server.allowedOrigins", "http://localhost:3000")
	viper.SetDefault("server.development", false)

	viper.SetDefault("sqlite.path", "./data/clauselens.db")

	viper.SetDefault("blob.dir", "./data/uploads")

	viper.SetDefault("vector.provider", "milvus")
	viper.SetDefault("vector.milvus.endpoint", "localhost:19530")
	viper.SetDefault("vector.milvus.collection", "legal_chunks")
	viper.SetDefault("vector.qdrant.host", "localhost")
	viper.SetDefault("vector.qdrant.port", 6334)
	viper.SetDefault("vector.qdrant.collection", "legal_chunks")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 86400)

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)
	viper.SetDefault("llm.embeddingBatchSize", 100)
	viper.SetDefault("llm.embeddingTimeoutSec", 30)

	viper.SetDefault("processing.chunkMaxTokens", 240)
	viper.SetDefault("processing.chunkOverlapTokens", 40)
	viper.SetDefault("processing.analysisMaxChars", 6000)
	viper.SetDefault("processing.stageRetries", 2)
	viper.SetDefault("processing.maxFileSizeMB", 20)
	viper.SetDefault("processing.allowedTypes", []string{"pdf", "docx", "txt", "md", "html"})

	viper.SetDefault("chat.topK", 5)
	viper.SetDefault("chat.minSimilarity", 0.3)
	viper.SetDefault("chat.maxSources", 5)
	viper.SetDefault("chat.maxQuestionLen", 2000)
	viper.SetDefault("chat.historyPageSize", 50)

	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.perMinute", 60)
	viper.SetDefault("ratelimit.burst", 10)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
