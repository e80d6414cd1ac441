package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Agent     AgentConfig
	Stream    StreamConfig
	Corpus    CorpusConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        int
	WriteTimeout       int
	BodyLimit          int
	MaxUtteranceLength int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

type LLMConfig struct {
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
}

// RetrievalConfig carries the ranking tunables for a single retrieval pass.
type RetrievalConfig struct {
	TopK         int
	MinScore     float32
	ContextTurns int
	DedupeWindow int
	TimeoutSec   int
}

// AgentConfig bounds the retrieve/synthesize/validate loop.
type AgentConfig struct {
	MaxIterations   int
	StripUngrounded bool
	RetryBackoffMS  int
}

type StreamConfig struct {
	ShowDrafts bool
}

type CorpusConfig struct {
	ChunkSize    int
	ChunkOverlap int
	EmbedBatch   int
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
	viper.AddConfigPath("/etc/thucydides")

	viper.SetEnvPrefix("THUCYDIDES")
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
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 120)
	viper.SetDefault("server.bodyLimit", 10485760)
	viper.SetDefault("server.maxUtteranceLength", 2000)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "figure_passages")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/thucydides.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.enabled", true)

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.4)
	viper.SetDefault("llm.maxTokens", 1024)
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")

	viper.SetDefault("retrieval.topK", 8)
	viper.SetDefault("retrieval.minScore", 0.25)
	viper.SetDefault("retrieval.contextTurns", 3)
	viper.SetDefault("retrieval.dedupeWindow", 2)
	viper.SetDefault("retrieval.timeoutSec", 15)

	viper.SetDefault("agent.maxIterations", 2)
	viper.SetDefault("agent.stripUngrounded", false)
	viper.SetDefault("agent.retryBackoffMS", 500)

	viper.SetDefault("stream.showDrafts", false)

	viper.SetDefault("corpus.chunkSize", 1000)
	viper.SetDefault("corpus.chunkOverlap", 150)
	viper.SetDefault("corpus.embedBatch", 32)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
