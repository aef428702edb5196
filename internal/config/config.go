package config

import (
	"fmt"
	"os"
	"strings"
	"time"

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
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
	MCP       MCPConfig
	Song      SongConfig
	Pipeline  PipelineConfig
	Voice     VoiceConfig
	LLM       LLMConfig
	Storage   StorageConfig
	Audio     AudioConfig
	Blueprint BlueprintConfig
	TempDir   string
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	MomentsPerHour int
}

// StoreConfig selects the job store backend ("redis" or "sqlite").
type StoreConfig struct {
	Driver     string
	SQLitePath string
	JobTTL     time.Duration // redis only, 0 keeps jobs forever
}

// MCPConfig describes the tool server connection.
type MCPConfig struct {
	BaseURL     string
	Timeout     time.Duration
	SongTimeout time.Duration
	AuthToken   string
	Stateless   bool
}

// SongConfig holds the optional knobs for full-song synthesis.
type SongConfig struct {
	ModelID           string
	Prompt            string
	LengthMs          int
	ForceInstrumental bool
	OutputFormat      string
}

type PipelineConfig struct {
	OutputKind  string // "preview" or "song"
	OperatorID  string
	Executor    string // "asynq" or "local"
	Concurrency int
	MaxRetry    int
}

type VoiceConfig struct {
	DefaultID string
}

// LLMConfig points at an OpenAI-compatible API used for transcription and
// blueprint generation.
type LLMConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	TranscribeModel string
	Timeout         time.Duration
}

type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	URLExpiry       time.Duration
}

type AudioConfig struct {
	ServiceURL string
	Timeout    int // seconds
	FFmpegPath string
	DemucsPath string
}

type BlueprintConfig struct {
	SchemaPath string
}

// QueueName returns the queue every stage of this deployment is routed to.
// Deployments sharing one broker must use distinct operator ids.
func (c *Config) QueueName() string {
	return QueueName(c.Pipeline.OperatorID)
}

// QueueName derives the per-operator queue name.
func QueueName(operatorID string) string {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		operatorID = "default"
	}
	return "moments:" + operatorID
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration, reading path when set instead of searching
// for config.yaml.
func LoadFile(path string) (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("MCP_AUTH_TOKEN")
	readSecret("LLM_API_KEY")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.moments_per_hour", "RATELIMIT_MOMENTS_PER_HOUR")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.sqlite_path", "STORE_SQLITE_PATH")
	_ = v.BindEnv("store.job_ttl", "STORE_JOB_TTL")
	_ = v.BindEnv("mcp.base_url", "MCP_BASE_URL")
	_ = v.BindEnv("mcp.timeout", "MCP_TIMEOUT")
	_ = v.BindEnv("mcp.song_timeout", "MCP_SONG_TIMEOUT")
	_ = v.BindEnv("mcp.auth_token", "MCP_AUTH_TOKEN")
	_ = v.BindEnv("mcp.stateless", "MCP_HTTP_STATELESS")
	_ = v.BindEnv("song.model_id", "MCP_SONG_MODEL_ID")
	_ = v.BindEnv("song.prompt", "MCP_SONG_PROMPT")
	_ = v.BindEnv("song.length_ms", "MCP_SONG_LENGTH_MS")
	_ = v.BindEnv("song.force_instrumental", "MCP_SONG_FORCE_INSTRUMENTAL")
	_ = v.BindEnv("song.output_format", "MCP_SONG_OUTPUT_FORMAT")
	_ = v.BindEnv("pipeline.output_kind", "MCP_OUTPUT_KIND")
	_ = v.BindEnv("pipeline.operator_id", "OPERATOR_ID")
	_ = v.BindEnv("pipeline.executor", "PIPELINE_EXECUTOR")
	_ = v.BindEnv("pipeline.concurrency", "PIPELINE_CONCURRENCY")
	_ = v.BindEnv("pipeline.max_retry", "PIPELINE_MAX_RETRY")
	_ = v.BindEnv("voice.default_id", "ELEVENLABS_DEFAULT_VOICE_ID")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("llm.model", "LLM_MODEL")
	_ = v.BindEnv("llm.transcribe_model", "LLM_TRANSCRIBE_MODEL")
	_ = v.BindEnv("llm.timeout", "LLM_TIMEOUT")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.region", "STORAGE_REGION")
	_ = v.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = v.BindEnv("storage.url_expiry", "STORAGE_URL_EXPIRY")
	_ = v.BindEnv("audio.service_url", "AUDIO_SERVICE_URL")
	_ = v.BindEnv("audio.timeout", "AUDIO_SERVICE_TIMEOUT")
	_ = v.BindEnv("audio.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("audio.demucs_path", "DEMUCS_PATH")
	_ = v.BindEnv("blueprint.schema_path", "BLUEPRINT_SCHEMA_PATH")
	_ = v.BindEnv("temp_dir", "TEMP_DIR")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.moments_per_hour", 20)

	// Store defaults
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.sqlite_path", "moments.db")
	v.SetDefault("store.job_ttl", "0s")

	// Tool server defaults
	v.SetDefault("mcp.base_url", "http://localhost:8080/mcp")
	v.SetDefault("mcp.timeout", "30s")
	v.SetDefault("mcp.song_timeout", "300s")
	v.SetDefault("mcp.stateless", false)
	v.SetDefault("song.length_ms", 180000)
	v.SetDefault("song.force_instrumental", false)
	v.SetDefault("song.output_format", "mp3_44100_128")

	// Pipeline defaults
	v.SetDefault("pipeline.output_kind", "preview")
	v.SetDefault("pipeline.operator_id", "default")
	v.SetDefault("pipeline.executor", "asynq")
	v.SetDefault("pipeline.concurrency", 10)
	v.SetDefault("pipeline.max_retry", 3)

	// LLM defaults
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.transcribe_model", "whisper-1")
	v.SetDefault("llm.timeout", "60s")

	// Storage defaults
	v.SetDefault("storage.endpoint", "https://nyc3.digitaloceanspaces.com")
	v.SetDefault("storage.region", "nyc3")
	v.SetDefault("storage.url_expiry", "1h")

	// Audio defaults
	v.SetDefault("audio.timeout", 300)
	v.SetDefault("audio.ffmpeg_path", "ffmpeg")
	v.SetDefault("audio.demucs_path", "demucs")

	v.SetDefault("temp_dir", os.TempDir())

	// Try to read config file (optional unless a path was given)
	if err := v.ReadInConfig(); err != nil && path != "" {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			MomentsPerHour: v.GetInt("ratelimit.moments_per_hour"),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(v.GetString("store.driver")),
			SQLitePath: v.GetString("store.sqlite_path"),
			JobTTL:     v.GetDuration("store.job_ttl"),
		},
		MCP: MCPConfig{
			BaseURL:     v.GetString("mcp.base_url"),
			Timeout:     v.GetDuration("mcp.timeout"),
			SongTimeout: v.GetDuration("mcp.song_timeout"),
			AuthToken:   v.GetString("mcp.auth_token"),
			Stateless:   v.GetBool("mcp.stateless"),
		},
		Song: SongConfig{
			ModelID:           v.GetString("song.model_id"),
			Prompt:            v.GetString("song.prompt"),
			LengthMs:          v.GetInt("song.length_ms"),
			ForceInstrumental: v.GetBool("song.force_instrumental"),
			OutputFormat:      v.GetString("song.output_format"),
		},
		Pipeline: PipelineConfig{
			OutputKind:  strings.ToLower(v.GetString("pipeline.output_kind")),
			OperatorID:  v.GetString("pipeline.operator_id"),
			Executor:    strings.ToLower(v.GetString("pipeline.executor")),
			Concurrency: v.GetInt("pipeline.concurrency"),
			MaxRetry:    v.GetInt("pipeline.max_retry"),
		},
		Voice: VoiceConfig{
			DefaultID: v.GetString("voice.default_id"),
		},
		LLM: LLMConfig{
			APIKey:          v.GetString("llm.api_key"),
			BaseURL:         v.GetString("llm.base_url"),
			Model:           v.GetString("llm.model"),
			TranscribeModel: v.GetString("llm.transcribe_model"),
			Timeout:         v.GetDuration("llm.timeout"),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			BucketName:      v.GetString("storage.bucket_name"),
			PublicURL:       v.GetString("storage.public_url"),
			URLExpiry:       v.GetDuration("storage.url_expiry"),
		},
		Audio: AudioConfig{
			ServiceURL: v.GetString("audio.service_url"),
			Timeout:    v.GetInt("audio.timeout"),
			FFmpegPath: v.GetString("audio.ffmpeg_path"),
			DemucsPath: v.GetString("audio.demucs_path"),
		},
		Blueprint: BlueprintConfig{
			SchemaPath: v.GetString("blueprint.schema_path"),
		},
		TempDir: v.GetString("temp_dir"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	switch c.Pipeline.Executor {
	case "asynq", "local":
	default:
		return fmt.Errorf("unsupported pipeline executor %q", c.Pipeline.Executor)
	}
	switch c.Pipeline.OutputKind {
	case "preview", "song":
	default:
		return fmt.Errorf("unsupported output kind %q", c.Pipeline.OutputKind)
	}
	if c.Pipeline.Concurrency <= 0 {
		c.Pipeline.Concurrency = 1
	}
	return nil
}
