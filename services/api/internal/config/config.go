package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

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
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	QueueStream   string `yaml:"queueStream"`
	QueueGroup    string `yaml:"queueGroup"`

	// identity provider
	AuthJWKSURL  string `yaml:"authJwksURL"`
	AuthIssuer   string `yaml:"authIssuer"`
	AuthAudience string `yaml:"authAudience"`
	JWTLeeway    string `yaml:"jwtLeeway"`

	// language models
	AIProvider      string `yaml:"aiProvider"`
	AIBaseURL       string `yaml:"aiBaseURL"`
	GeminiAPIKey    string `yaml:"geminiAPIKey"`
	OpenAIAPIKey    string `yaml:"openaiAPIKey"`
	GenerationModel string `yaml:"generationModel"`
	AnswerModel     string `yaml:"answerModel"`
	EmbeddingModel  string `yaml:"embeddingModel"`
	EmbeddingDim    int    `yaml:"embeddingDim"`

	// GitHub
	GithubToken    string `yaml:"githubToken"`
	GithubTokenKey string `yaml:"githubTokenKey"`
	GithubAPIURL   string `yaml:"githubAPIURL"`
	DirSampleLimit int    `yaml:"dirSampleLimit"`
	CommitWindow   int    `yaml:"commitWindow"`

	// billing
	StripeSecretKey     string `yaml:"stripeSecretKey"`
	StripeWebhookSecret string `yaml:"stripeWebhookSecret"`
	CreditsPerDollar    int    `yaml:"creditsPerDollar"`
	AppURL              string `yaml:"appURL"`

	// meeting uploads
	CloudinaryURL  string `yaml:"cloudinaryURL"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MinioRegion    string `yaml:"minioRegion"`

	DefaultCredits                 int      `yaml:"defaultCredits"`
	SimilarityThreshold            float64  `yaml:"similarityThreshold"`
	TopK                           int      `yaml:"topK"`
	RecentCommits                  int      `yaml:"recentCommits"`
	AskRateLimitPerMinute          int      `yaml:"askRateLimitPerMinute"`
	CheckCreditsRateLimitPerMinute int      `yaml:"checkCreditsRateLimitPerMinute"`
	CORSAllowedOrigins             []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs              []string `yaml:"trustedProxyCIDRs"`
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
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("AUTH_ISSUER"); v != "" {
		cfg.AuthIssuer = v
	}
	if v := os.Getenv("AUTH_AUDIENCE"); v != "" {
		cfg.AuthAudience = v
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
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.StripeWebhookSecret = v
	}
	if v := os.Getenv("APP_URL"); v != "" {
		cfg.AppURL = v
	}
	if v := os.Getenv("CLOUDINARY_URL"); v != "" {
		cfg.CloudinaryURL = v
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
	if v := os.Getenv("DEFAULT_CREDITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultCredits = n
		}
	}
	if v := os.Getenv("ASK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AskRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "commitly:jobs"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "commitly-workers"
	}
	if cfg.AIProvider == "" {
		cfg.AIProvider = "gemini"
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = "gemini-1.5-flash"
	}
	if cfg.AnswerModel == "" {
		cfg.AnswerModel = "gemini-2.5-flash"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-004"
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.CreditsPerDollar == 0 {
		cfg.CreditsPerDollar = 50
	}
	if cfg.DefaultCredits == 0 {
		cfg.DefaultCredits = 150
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.5
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if cfg.AuthIssuer == "" {
		return errors.New("config: authIssuer is required (set in config.yaml or AUTH_ISSUER)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
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
	if cfg.EmbeddingDim < 0 {
		return errors.New("config: embeddingDim must be positive")
	}
	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold >= 1 {
		return errors.New("config: similarityThreshold must be in [0, 1)")
	}
	if cfg.StripeSecretKey != "" {
		if cfg.StripeWebhookSecret == "" {
			return errors.New("config: stripeWebhookSecret is required when stripeSecretKey is set (set in config.yaml or STRIPE_WEBHOOK_SECRET)")
		}
		if cfg.AppURL == "" {
			return errors.New("config: appURL is required when stripeSecretKey is set (set in config.yaml or APP_URL)")
		}
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

// ParseJWTLeeway parses a duration string like "30s".
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
