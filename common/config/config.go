package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Cache     SemanticCacheConfig
	RateLimit RateLimitConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Run       RunConfig
	Worker    WorkerConfig
	Tavily    TavilyConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings. Redis backs the
// conversation-variable session store, the semantic cache, the document
// processing queue, and the run-log event stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig holds per-provider LLM credentials and defaults
type ProviderConfig struct {
	APIKey       string
	DefaultModel string
	BaseURL      string
	Region       string
}

// LLMConfig holds the LLM provider registry settings
type LLMConfig struct {
	DefaultProvider string
	OpenAI          ProviderConfig
	Anthropic       ProviderConfig
	Bedrock         ProviderConfig
	Gemini          ProviderConfig
}

// EmbeddingConfig holds text-embedding provider settings
type EmbeddingConfig struct {
	Provider              string // "openai" or "mock"
	APIKey                string
	Model                 string
	Dimensions            int
	BatchSize             int
	MaxConcurrentRequests int
	RequestInterval       time.Duration
	Retry                 RetryConfig
	Circuit               CircuitConfig
}

// RetryConfig holds exponential backoff settings
type RetryConfig struct {
	MaxRetries int
	Multiplier float64
	MinWait    time.Duration
	MaxWait    time.Duration
}

// CircuitConfig holds circuit breaker settings
type CircuitConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// SemanticCacheConfig holds similarity-keyed LLM response cache settings
type SemanticCacheConfig struct {
	Enabled    bool
	Threshold  float64
	TTL        time.Duration
	MaxEntries int
	MinChars   int
	Prefix     string
}

// RateLimitConfig holds per-connector rate limit settings
type RateLimitConfig struct {
	BedrockQPS      float64
	TavilyPerMinute int
}

// ChunkingConfig holds document splitter settings
type ChunkingConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// RetrievalConfig holds knowledge-retrieval settings
type RetrievalConfig struct {
	DefaultTopK int
	MaxTopK     int
}

// RunConfig holds workflow-run scheduler settings
type RunConfig struct {
	DefaultTimeout     time.Duration
	NodeDefaultTimeout time.Duration
	IOTruncateBytes    int
}

// WorkerConfig holds embedding worker settings
type WorkerConfig struct {
	Concurrency     int
	Stream          string
	Group           string
	MaxDeliveries   int
	ClaimMinIdle    time.Duration
	BlockTimeout    time.Duration
	DeadLetterQueue string
}

// TavilyConfig holds Tavily web-search settings
type TavilyConfig struct {
	APIKey  string
	BaseURL string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "chatflow"),
			User:        getEnv("POSTGRES_USER", "chatflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "chatflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		LLM: LLMConfig{
			DefaultProvider: getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			OpenAI: ProviderConfig{
				APIKey:       getEnv("LLM_OPENAI_API_KEY", ""),
				DefaultModel: getEnv("LLM_OPENAI_DEFAULT_MODEL", "gpt-4o-mini"),
				BaseURL:      getEnv("LLM_OPENAI_BASE_URL", ""),
			},
			Anthropic: ProviderConfig{
				APIKey:       getEnv("LLM_ANTHROPIC_API_KEY", ""),
				DefaultModel: getEnv("LLM_ANTHROPIC_DEFAULT_MODEL", "claude-sonnet-4-20250514"),
			},
			Bedrock: ProviderConfig{
				DefaultModel: getEnv("LLM_BEDROCK_DEFAULT_MODEL", "anthropic.claude-3-5-sonnet-20240620-v1:0"),
				Region:       getEnv("LLM_BEDROCK_REGION", "us-east-1"),
			},
			Gemini: ProviderConfig{
				APIKey:       getEnv("LLM_GEMINI_API_KEY", ""),
				DefaultModel: getEnv("LLM_GEMINI_DEFAULT_MODEL", "gemini-2.0-flash"),
				BaseURL:      getEnv("LLM_GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai/"),
			},
		},
		Embedding: EmbeddingConfig{
			Provider:              getEnv("EMBEDDING_PROVIDER", "openai"),
			APIKey:                getEnv("EMBEDDING_API_KEY", ""),
			Model:                 getEnv("EMBEDDING_MODEL", "text-embedding-3-large"),
			Dimensions:            getEnvInt("EMBEDDING_DIMENSIONS", 1024),
			BatchSize:             getEnvInt("EMBEDDING_BATCH_SIZE", 16),
			MaxConcurrentRequests: getEnvInt("EMBEDDING_MAX_CONCURRENT_REQUESTS", 2),
			RequestInterval:       getEnvDuration("EMBEDDING_REQUEST_INTERVAL", 100*time.Millisecond),
			Retry: RetryConfig{
				MaxRetries: getEnvInt("EMBEDDING_RETRY_MAX_RETRIES", 3),
				Multiplier: getEnvFloat("EMBEDDING_RETRY_MULTIPLIER", 2.0),
				MinWait:    getEnvDuration("EMBEDDING_RETRY_MIN_WAIT", 500*time.Millisecond),
				MaxWait:    getEnvDuration("EMBEDDING_RETRY_MAX_WAIT", 8*time.Second),
			},
			Circuit: CircuitConfig{
				FailureThreshold: getEnvInt("EMBEDDING_CIRCUIT_FAILURE_THRESHOLD", 5),
				RecoveryTimeout:  getEnvDuration("EMBEDDING_CIRCUIT_RECOVERY_TIMEOUT", 30*time.Second),
			},
		},
		Cache: SemanticCacheConfig{
			Enabled:    getEnvBool("SEMANTIC_CACHE_ENABLED", true),
			Threshold:  getEnvFloat("SEMANTIC_CACHE_THRESHOLD", 0.95),
			TTL:        getEnvDuration("SEMANTIC_CACHE_TTL", 3600*time.Second),
			MaxEntries: getEnvInt("SEMANTIC_CACHE_MAX_ENTRIES", 500),
			MinChars:   getEnvInt("SEMANTIC_CACHE_MIN_CHARS", 32),
			Prefix:     getEnv("SEMANTIC_CACHE_PREFIX", "semcache"),
		},
		RateLimit: RateLimitConfig{
			BedrockQPS:      getEnvFloat("RATE_LIMIT_BEDROCK_QPS", 5),
			TavilyPerMinute: getEnvInt("RATE_LIMIT_TAVILY_PER_MINUTE", 60),
		},
		Chunking: ChunkingConfig{
			ChunkSize:    getEnvInt("CHUNKING_CHUNK_SIZE", 512),
			ChunkOverlap: getEnvInt("CHUNKING_CHUNK_OVERLAP", 128),
		},
		Retrieval: RetrievalConfig{
			DefaultTopK: getEnvInt("RETRIEVAL_DEFAULT_TOP_K", 5),
			MaxTopK:     getEnvInt("RETRIEVAL_MAX_TOP_K", 20),
		},
		Run: RunConfig{
			DefaultTimeout:     getEnvDuration("RUN_DEFAULT_TIMEOUT", 300*time.Second),
			NodeDefaultTimeout: getEnvDuration("RUN_NODE_DEFAULT_TIMEOUT", 60*time.Second),
			IOTruncateBytes:    getEnvInt("RUN_IO_TRUNCATE_BYTES", 64*1024),
		},
		Worker: WorkerConfig{
			Concurrency:     getEnvInt("WORKER_CONCURRENCY", 2),
			Stream:          getEnv("WORKER_STREAM", "documents.process"),
			Group:           getEnv("WORKER_GROUP", "embedding-workers"),
			MaxDeliveries:   getEnvInt("WORKER_MAX_DELIVERIES", 5),
			ClaimMinIdle:    getEnvDuration("WORKER_CLAIM_MIN_IDLE", 5*time.Minute),
			BlockTimeout:    getEnvDuration("WORKER_BLOCK_TIMEOUT", 5*time.Second),
			DeadLetterQueue: getEnv("WORKER_DEAD_LETTER_QUEUE", "documents.dead"),
		},
		Tavily: TavilyConfig{
			APIKey:  getEnv("TAVILY_API_KEY", ""),
			BaseURL: getEnv("TAVILY_BASE_URL", "https://api.tavily.com"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be > 0")
	}

	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunk_overlap must be < chunk_size")
	}

	if c.Cache.Threshold < 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("semantic cache threshold must be in [0, 1]")
	}

	if c.Retrieval.DefaultTopK > c.Retrieval.MaxTopK {
		return fmt.Errorf("default_top_k must be <= max_top_k")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
