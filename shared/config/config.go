package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fitness-rag/shared/logger"
)

// Session store backends
const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

// Config is the complete service configuration
type Config struct {
	Arxiv     ArxivConfig     `yaml:"arxiv"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Milvus    MilvusConfig    `yaml:"milvus"`
	Redis     RedisConfig     `yaml:"redis"`
	AWS       AWSConfig       `yaml:"aws"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ArxivConfig configures the paper fetcher
type ArxivConfig struct {
	APIEndpoint    string `yaml:"api_endpoint"`
	RateLimit      int    `yaml:"rate_limit"`
	MaxResults     int    `yaml:"max_results"`
	DownloadDir    string `yaml:"download_dir"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ValidatePDF    bool   `yaml:"validate_pdf"`
	LookbackDays   int    `yaml:"lookback_days"`
}

// Lookback returns how far back searches reach; zero means no limit
func (c ArxivConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

// OpenAIConfig configures the chat and embedding provider
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ChunkingConfig configures semantic splitting and batching
type ChunkingConfig struct {
	BufferSize           int     `yaml:"buffer_size"`
	BreakpointPercentile float64 `yaml:"breakpoint_percentile"`
	BatchSize            int     `yaml:"batch_size"`
	BatchDelayMs         int     `yaml:"batch_delay_ms"`
}

// BatchDelay returns the pause inserted between pipeline batches
func (c ChunkingConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// RetrievalConfig configures the research query path
type RetrievalConfig struct {
	TopK             int     `yaml:"top_k"`
	SimilarityCutoff float64 `yaml:"similarity_cutoff"`
}

// MilvusConfig configures the vector index
type MilvusConfig struct {
	Address        string `yaml:"address"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	APIKey         string `yaml:"api_key"`
	Database       string `yaml:"database"`
	Collection     string `yaml:"collection"`
	Dimension      int    `yaml:"dimension"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RedisConfig configures the optional embedding cache. Empty address disables it.
type RedisConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	KeyPrefix  string `yaml:"key_prefix"`
}

// Enabled reports whether the embedding cache should be used
func (c RedisConfig) Enabled() bool {
	return c.Address != ""
}

// AWSConfig holds the AWS resources used by the services
type AWSConfig struct {
	Region        string `yaml:"region"`
	SessionsTable string `yaml:"sessions_table"`
	MessagesTable string `yaml:"messages_table"`
	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`
}

// SessionsConfig selects the session store backend
type SessionsConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Manager handles configuration loading and management
type Manager struct {
	s3Client s3iface.S3API
}

// NewManager creates a configuration manager able to read from S3
func NewManager(region string) (*Manager, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &Manager{
		s3Client: s3.New(sess),
	}, nil
}

// NewManagerWithClient creates a manager with a custom S3 client (for testing)
func NewManagerWithClient(client s3iface.S3API) *Manager {
	return &Manager{s3Client: client}
}

// LoadFromS3 loads configuration from S3
func (m *Manager) LoadFromS3(ctx context.Context, bucket, key string) (*Config, error) {
	if m.s3Client == nil {
		return nil, fmt.Errorf("S3 client not configured")
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}

	result, err := m.s3Client.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	return m.parseConfig(data)
}

// LoadFromFile loads configuration from a local YAML file
func (m *Manager) LoadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	return m.parseConfig(data)
}

// LoadFromBytes loads configuration from byte data
func (m *Manager) LoadFromBytes(data []byte) (*Config, error) {
	return m.parseConfig(data)
}

// parseConfig overlays YAML data on the defaults
func (m *Manager) parseConfig(data []byte) (*Config, error) {
	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return config, nil
}

// Load builds the configuration for a service. Sources, later wins:
// defaults, the YAML file at path (or CONFIG_BUCKET/CONFIG_KEY in S3), a .env file, the environment.
func Load(ctx context.Context, path string) (*Config, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	var (
		cfg *Config
		err error
	)

	bucket, key := os.Getenv("CONFIG_BUCKET"), os.Getenv("CONFIG_KEY")
	switch {
	case path != "":
		cfg, err = (&Manager{}).LoadFromFile(path)
	case bucket != "" && key != "":
		var manager *Manager
		manager, err = NewManager(envOrDefault("AWS_REGION", GetDefaultConfig().AWS.Region))
		if err == nil {
			cfg, err = manager.LoadFromS3(ctx, bucket, key)
		}
	default:
		cfg = GetDefaultConfig()
	}
	if err != nil {
		return nil, logger.WrapError(err, logger.ErrorTypeConfig, "failed to load configuration")
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides configuration values from environment variables
func (c *Config) ApplyEnv() {
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAI.ChatModel, "OPENAI_CHAT_MODEL")
	setString(&c.OpenAI.EmbeddingModel, "OPENAI_EMBEDDING_MODEL")
	setString(&c.Arxiv.APIEndpoint, "ARXIV_API_ENDPOINT")
	setString(&c.Arxiv.DownloadDir, "PAPERS_DIR")
	setInt(&c.Arxiv.MaxResults, "ARXIV_MAX_RESULTS")
	setInt(&c.Arxiv.LookbackDays, "ARXIV_LOOKBACK_DAYS")
	setString(&c.Milvus.Address, "MILVUS_ADDRESS")
	setString(&c.Milvus.Username, "MILVUS_USERNAME")
	setString(&c.Milvus.Password, "MILVUS_PASSWORD")
	setString(&c.Milvus.APIKey, "MILVUS_API_KEY")
	setString(&c.Milvus.Collection, "MILVUS_COLLECTION")
	setString(&c.Redis.Address, "REDIS_ADDRESS")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.AWS.Region, "AWS_REGION")
	setString(&c.AWS.SessionsTable, "SESSIONS_TABLE_NAME")
	setString(&c.AWS.MessagesTable, "MESSAGES_TABLE_NAME")
	setString(&c.AWS.ArchiveBucket, "ARCHIVE_BUCKET")
	setString(&c.Sessions.Backend, "SESSION_BACKEND")
	setString(&c.Sessions.SQLitePath, "SQLITE_PATH")
	setString(&c.Logging.Level, "LOG_LEVEL")
}

// Validate fails fast on configuration the services cannot start without
func (c *Config) Validate() error {
	invalid := func(message string) error {
		return logger.NewAppError(logger.ErrorTypeConfig, message, nil)
	}

	if c.OpenAI.APIKey == "" {
		return invalid("OpenAI API key not set")
	}
	if c.Milvus.Address == "" {
		return invalid("Milvus address not set")
	}
	if c.Milvus.Collection == "" {
		return invalid("Milvus collection not set")
	}
	if c.Milvus.Dimension <= 0 {
		return invalid("Milvus dimension must be positive")
	}
	if c.Arxiv.RateLimit <= 0 {
		return invalid("arXiv rate limit must be positive")
	}
	if c.Arxiv.LookbackDays < 0 {
		return invalid("arXiv lookback days must not be negative")
	}
	if c.Chunking.BatchSize <= 0 {
		return invalid("chunking batch size must be positive")
	}
	if c.Chunking.BufferSize < 0 {
		return invalid("chunking buffer size must not be negative")
	}
	if c.Chunking.BreakpointPercentile <= 0 || c.Chunking.BreakpointPercentile > 100 {
		return invalid("breakpoint percentile must be in (0, 100]")
	}
	if c.Retrieval.TopK <= 0 {
		return invalid("retrieval top_k must be positive")
	}
	if c.Retrieval.SimilarityCutoff < 0 || c.Retrieval.SimilarityCutoff > 1 {
		return invalid("similarity cutoff must be in [0, 1]")
	}

	switch c.Sessions.Backend {
	case BackendDynamoDB:
		if c.AWS.SessionsTable == "" || c.AWS.MessagesTable == "" {
			return invalid("DynamoDB session store needs sessions and messages tables")
		}
	case BackendSQLite:
		if c.Sessions.SQLitePath == "" {
			return invalid("SQLite session store needs a database path")
		}
	default:
		return invalid(fmt.Sprintf("unknown session backend %q", c.Sessions.Backend))
	}

	return nil
}

// GetDefaultConfig returns the default configuration. Inside Lambda, where only
// the temp directory is writable, local files default to it.
func GetDefaultConfig() *Config {
	dataDir := "data"
	papersDir := "papers"
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		dataDir = os.TempDir()
		papersDir = filepath.Join(os.TempDir(), "papers")
	}

	return &Config{
		Arxiv: ArxivConfig{
			APIEndpoint:    "http://export.arxiv.org/api/query",
			RateLimit:      3,
			MaxResults:     50,
			DownloadDir:    papersDir,
			TimeoutSeconds: 60,
			ValidatePDF:    true,
		},
		OpenAI: OpenAIConfig{
			ChatModel:      "gpt-3.5-turbo",
			EmbeddingModel: "text-embedding-ada-002",
			TimeoutSeconds: 60,
		},
		Chunking: ChunkingConfig{
			BufferSize:           1,
			BreakpointPercentile: 95,
			BatchSize:            50,
			BatchDelayMs:         1000,
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			SimilarityCutoff: 0.7,
		},
		Milvus: MilvusConfig{
			Address:        "localhost:19530",
			Collection:     "perplexity",
			Dimension:      1536,
			TimeoutSeconds: 10,
		},
		Redis: RedisConfig{
			TTLSeconds: 7 * 24 * 3600,
			KeyPrefix:  "rag:embedding:",
		},
		AWS: AWSConfig{
			Region:        "us-east-1",
			SessionsTable: "search_sessions",
			MessagesTable: "search_messages",
			ArchivePrefix: "papers",
		},
		Sessions: SessionsConfig{
			Backend:    BackendSQLite,
			SQLitePath: filepath.Join(dataDir, "sessions.db"),
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

func setString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func setInt(target *int, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
