package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Translator TranslatorConfig
	STT        STTConfig
	TTS        TTSConfig
	Extractor  ExtractorConfig
	Pipeline   PipelineConfig
	Storage    StorageConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	SubmitPerHour int
}

type TranslatorConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int // chunk budget per translation request
	Timeout   int // seconds, per attempt
}

type STTConfig struct {
	ServiceURL string
	Timeout    int // seconds, per attempt
}

type TTSConfig struct {
	ServiceURL   string
	Timeout      int // seconds, per attempt
	MaxChunkSize int // characters per synthesis request
}

type ExtractorConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type PipelineConfig struct {
	MaxConcurrentJobs  int
	ChunkConcurrency   int // parallel chunk calls within one job
	GlobalChunkLimit   int // parallel chunk calls across all jobs
	RetryMaxAttempts   int
	RetryBaseDelayMs   int
	RetryMaxDelayMs    int
	StrictChunking     bool
	NeighborContext    bool // pass prior-chunk tail as translation hint
	LeaseTTLSeconds    int
	CancelPollMs       int
	PreferParagraphs   bool
	TokenUnits         bool // budget translation chunks in tokens, not characters
	ContextTailChars   int
}

type StorageConfig struct {
	DataDir        string
	RetentionHours int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("TRANSLATOR_API_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("translator.api_key", "TRANSLATOR_API_KEY")
	_ = viper.BindEnv("translator.base_url", "TRANSLATOR_BASE_URL")
	_ = viper.BindEnv("translator.model", "TRANSLATOR_MODEL")
	_ = viper.BindEnv("translator.max_tokens", "TRANSLATOR_MAX_TOKENS")
	_ = viper.BindEnv("translator.timeout", "TRANSLATOR_TIMEOUT")
	_ = viper.BindEnv("stt.service_url", "STT_SERVICE_URL")
	_ = viper.BindEnv("stt.timeout", "STT_TIMEOUT")
	_ = viper.BindEnv("tts.service_url", "TTS_SERVICE_URL")
	_ = viper.BindEnv("tts.timeout", "TTS_TIMEOUT")
	_ = viper.BindEnv("tts.max_chunk_size", "TTS_MAX_CHUNK_SIZE")
	_ = viper.BindEnv("extractor.service_url", "EXTRACTOR_SERVICE_URL")
	_ = viper.BindEnv("extractor.timeout", "EXTRACTOR_TIMEOUT")
	_ = viper.BindEnv("pipeline.max_concurrent_jobs", "PIPELINE_MAX_CONCURRENT_JOBS")
	_ = viper.BindEnv("pipeline.chunk_concurrency", "PIPELINE_CHUNK_CONCURRENCY")
	_ = viper.BindEnv("pipeline.global_chunk_limit", "PIPELINE_GLOBAL_CHUNK_LIMIT")
	_ = viper.BindEnv("pipeline.retry_max_attempts", "PIPELINE_RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.retry_base_delay_ms", "PIPELINE_RETRY_BASE_DELAY_MS")
	_ = viper.BindEnv("pipeline.retry_max_delay_ms", "PIPELINE_RETRY_MAX_DELAY_MS")
	_ = viper.BindEnv("pipeline.strict_chunking", "PIPELINE_STRICT_CHUNKING")
	_ = viper.BindEnv("pipeline.neighbor_context", "PIPELINE_NEIGHBOR_CONTEXT")
	_ = viper.BindEnv("storage.data_dir", "STORAGE_DATA_DIR")
	_ = viper.BindEnv("storage.retention_hours", "STORAGE_RETENTION_HOURS")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("ratelimit.submit_per_hour", 20)

	// Translator defaults (OpenAI-compatible chat completions endpoint)
	viper.SetDefault("translator.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("translator.model", "llama-3.3-70b-versatile")
	viper.SetDefault("translator.max_tokens", 1500)
	viper.SetDefault("translator.timeout", 120)

	// Speech services
	viper.SetDefault("stt.service_url", "http://localhost:8081")
	viper.SetDefault("stt.timeout", 600)
	viper.SetDefault("tts.service_url", "http://localhost:8082")
	viper.SetDefault("tts.timeout", 300)
	viper.SetDefault("tts.max_chunk_size", 5000)
	viper.SetDefault("extractor.service_url", "http://localhost:8083")
	viper.SetDefault("extractor.timeout", 120)

	// Pipeline defaults
	viper.SetDefault("pipeline.max_concurrent_jobs", 3)
	viper.SetDefault("pipeline.chunk_concurrency", 2)
	viper.SetDefault("pipeline.global_chunk_limit", 6)
	viper.SetDefault("pipeline.retry_max_attempts", 3)
	viper.SetDefault("pipeline.retry_base_delay_ms", 1000)
	viper.SetDefault("pipeline.retry_max_delay_ms", 30000)
	viper.SetDefault("pipeline.strict_chunking", false)
	viper.SetDefault("pipeline.neighbor_context", false)
	viper.SetDefault("pipeline.lease_ttl_seconds", 120)
	viper.SetDefault("pipeline.cancel_poll_ms", 1000)
	viper.SetDefault("pipeline.prefer_paragraphs", true)
	viper.SetDefault("pipeline.token_units", true)
	viper.SetDefault("pipeline.context_tail_chars", 400)

	// Storage
	viper.SetDefault("storage.data_dir", "./data")
	viper.SetDefault("storage.retention_hours", 168)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
		},
		Translator: TranslatorConfig{
			APIKey:    viper.GetString("translator.api_key"),
			BaseURL:   viper.GetString("translator.base_url"),
			Model:     viper.GetString("translator.model"),
			MaxTokens: viper.GetInt("translator.max_tokens"),
			Timeout:   viper.GetInt("translator.timeout"),
		},
		STT: STTConfig{
			ServiceURL: viper.GetString("stt.service_url"),
			Timeout:    viper.GetInt("stt.timeout"),
		},
		TTS: TTSConfig{
			ServiceURL:   viper.GetString("tts.service_url"),
			Timeout:      viper.GetInt("tts.timeout"),
			MaxChunkSize: viper.GetInt("tts.max_chunk_size"),
		},
		Extractor: ExtractorConfig{
			ServiceURL: viper.GetString("extractor.service_url"),
			Timeout:    viper.GetInt("extractor.timeout"),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentJobs: viper.GetInt("pipeline.max_concurrent_jobs"),
			ChunkConcurrency:  viper.GetInt("pipeline.chunk_concurrency"),
			GlobalChunkLimit:  viper.GetInt("pipeline.global_chunk_limit"),
			RetryMaxAttempts:  viper.GetInt("pipeline.retry_max_attempts"),
			RetryBaseDelayMs:  viper.GetInt("pipeline.retry_base_delay_ms"),
			RetryMaxDelayMs:   viper.GetInt("pipeline.retry_max_delay_ms"),
			StrictChunking:    viper.GetBool("pipeline.strict_chunking"),
			NeighborContext:   viper.GetBool("pipeline.neighbor_context"),
			LeaseTTLSeconds:   viper.GetInt("pipeline.lease_ttl_seconds"),
			CancelPollMs:      viper.GetInt("pipeline.cancel_poll_ms"),
			PreferParagraphs:  viper.GetBool("pipeline.prefer_paragraphs"),
			TokenUnits:        viper.GetBool("pipeline.token_units"),
			ContextTailChars:  viper.GetInt("pipeline.context_tail_chars"),
		},
		Storage: StorageConfig{
			DataDir:        viper.GetString("storage.data_dir"),
			RetentionHours: viper.GetInt("storage.retention_hours"),
		},
	}

	return cfg, nil
}
