package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"commitly/pkg/secret"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file; COMMITLY_CONFIG overrides it.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("COMMITLY_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                   string `yaml:"port"`
	LogLevel               string `yaml:"logLevel"`
	DatabaseURL            string `yaml:"databaseURL"`
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueStream            string `yaml:"queueStream"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	AIProvider      string `yaml:"aiProvider"`
	AIBaseURL       string `yaml:"aiBaseURL"`
	GeminiAPIKey    string `yaml:"geminiAPIKey"`
	OpenAIAPIKey    string `yaml:"openaiAPIKey"`
	GenerationModel string `yaml:"generationModel"`
	EmbeddingModel  string `yaml:"embeddingModel"`
	EmbeddingDim    int    `yaml:"embeddingDim"`

	GithubToken       string `yaml:"githubToken"`
	GithubTokenKey    string `yaml:"githubTokenKey"`
	GithubAPIURL      string `yaml:"githubAPIURL"`
	CommitWindow      int    `yaml:"commitWindow"`
	IngestConcurrency int    `yaml:"ingestConcurrency"`

	AssemblyAIAPIKey      string `yaml:"assemblyAIAPIKey"`
	MeetingTimeoutSeconds int    `yaml:"meetingTimeoutSeconds"`
	MinioEndpoint         string `yaml:"minioEndpoint"`
	MinioAccessKey        string `yaml:"minioAccessKey"`
	MinioSecretKey        string `yaml:"minioSecretKey"`
	MinioBucket           string `yaml:"minioBucket"`
	MinioUseSSL           bool   `yaml:"minioUseSSL"`
	MinioRegion           string `yaml:"minioRegion"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("AI_PROVIDER"); v != "" {
		cfg.AIProvider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GithubToken = v
	}
	if v := os.Getenv("GITHUB_TOKEN_KEY"); v != "" {
		cfg.GithubTokenKey = v
	}
	if v := os.Getenv("ASSEMBLYAI_API_KEY"); v != "" {
		cfg.AssemblyAIAPIKey = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8081"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "commitly:jobs"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "commitly-workers"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueRetryDelaySeconds <= 0 {
		cfg.QueueRetryDelaySeconds = 5
	}
	if cfg.AIProvider == "" {
		cfg.AIProvider = "gemini"
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = "gemini-1.5-flash"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-004"
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.MeetingTimeoutSeconds <= 0 {
		cfg.MeetingTimeoutSeconds = 300
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.GithubTokenKey != "" {
		if _, err := secret.NewBox(cfg.GithubTokenKey); err != nil {
			return fmt.Errorf("config: githubTokenKey: %w", err)
		}
	}
	switch strings.ToLower(cfg.AIProvider) {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
		}
	case "ollama":
	default:
		return fmt.Errorf("config: unknown aiProvider %q", cfg.AIProvider)
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minioAccessKey, minioSecretKey and minioBucket are required when minioEndpoint is set")
	}
	return nil
}

// ProviderAPIKey returns the key for the configured AI provider.
func (c FileConfig) ProviderAPIKey() string {
	if strings.EqualFold(c.AIProvider, "openai") {
		return c.OpenAIAPIKey
	}
	return c.GeminiAPIKey
}
