package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends understood by LoadConfig.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// RetryConfig mirrors retry.Policy so the config layer stays free of
// orchestration imports.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Cap      time.Duration `yaml:"cap"`
}

// PipelineConfig tunes the generation pipeline. Every field can be set from the
// environment or from the optional YAML file named by CONFIG_FILE.
type PipelineConfig struct {
	PagesPerComic       int            `yaml:"pages_per_comic"`
	MaxExtendPages      int            `yaml:"max_extend_pages"`
	ImageBatchSize      int            `yaml:"image_batch_size"`
	ImageBatchDelay     time.Duration  `yaml:"image_batch_delay"`
	FlushEvery          int            `yaml:"flush_every"`
	ProviderConcurrency map[string]int `yaml:"provider_concurrency"`
	DefaultConcurrency  int            `yaml:"default_concurrency"`
	CommitRetry         RetryConfig    `yaml:"commit_retry"`
	ProviderRetry       RetryConfig    `yaml:"provider_retry"`
	TextTimeout         time.Duration  `yaml:"text_timeout"`
	ImageCallTimeout    time.Duration  `yaml:"image_call_timeout"`
	PlaceholderURL      string         `yaml:"placeholder_url"`
	RecoverInterrupted  bool           `yaml:"recover_interrupted"`
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Environment      string
	Port             string
	JobStore         string
	DatabaseURL      string
	SQLitePath       string
	StoragePath      string
	StorageBaseURL   string
	TextProvider     string
	ImageProvider    string
	GeminiAPIKey     string
	GeminiTextModel  string
	GeminiImageModel string
	GeminiBaseURL    string
	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	OpenAIOrg        string
	WebhookURLDev    string
	WebhookURLProd   string
	WebhookTimeout   time.Duration
	AMQPURL          string
	AMQPExchange     string
	AMQPRoutingKey   string
	CORSOrigins      []string
	WSOriginPatterns []string
	AuthSecret       string
	DefaultLocale    string
	ExtendPages      int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	ListDefaultLimit int
	ListMaxLimit     int
	BroadcastTimeout time.Duration
	ShutdownTimeout  time.Duration
	Pipeline         PipelineConfig
}

// WebhookURL picks the completion webhook for the running environment.
func (c *Config) WebhookURL() string {
	if strings.EqualFold(c.Environment, "prod") {
		return c.WebhookURLProd
	}
	return c.WebhookURLDev
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Environment:      getEnv("ENVIRONMENT", "dev"),
		Port:             port,
		JobStore:         strings.ToLower(getEnv("JOB_STORE", StorePostgres)),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnv("SQLITE_PATH", "comics.db"),
		StoragePath:      getEnv("STORAGE_PATH", "./data/assets"),
		StorageBaseURL:   getEnv("STORAGE_BASE_URL", fmt.Sprintf("http://localhost:%s/static", port)),
		TextProvider:     strings.ToLower(getEnv("TEXT_PROVIDER", "gemini")),
		ImageProvider:    strings.ToLower(getEnv("IMAGE_PROVIDER", "gemini")),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiTextModel:  getEnv("GEMINI_TEXT_MODEL", "gemini-2.0-flash"),
		GeminiImageModel: getEnv("GEMINI_IMAGE_MODEL", "imagen-3.0-generate-002"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrg:        os.Getenv("OPENAI_ORG"),
		WebhookURLDev:    os.Getenv("WEBHOOK_URL_DEV"),
		WebhookURLProd:   os.Getenv("WEBHOOK_URL_PROD"),
		WebhookTimeout:   time.Second * time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10)),
		AMQPURL:          os.Getenv("AMQP_URL"),
		AMQPExchange:     getEnv("AMQP_EXCHANGE", "comics"),
		AMQPRoutingKey:   getEnv("AMQP_ROUTING_KEY", "comic.completed"),
		CORSOrigins:      getEnvList("CORS_ORIGINS", []string{"http://localhost:3000", "https://comic-ai-generator.vercel.app"}),
		WSOriginPatterns: getEnvList("WS_ORIGIN_PATTERNS", nil),
		AuthSecret:       os.Getenv("AUTH_JWT_SECRET"),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),
		ExtendPages:      getEnvInt("EXTEND_PAGES", 4),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		ListDefaultLimit: getEnvInt("LIST_DEFAULT_LIMIT", 5),
		ListMaxLimit:     getEnvInt("LIST_MAX_LIMIT", 50),
		BroadcastTimeout: getEnvDuration("BROADCAST_SEND_TIMEOUT", 5*time.Second),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		Pipeline: PipelineConfig{
			PagesPerComic:       getEnvInt("PAGES_PER_COMIC", 4),
			MaxExtendPages:      getEnvInt("MAX_EXTEND_PAGES", 10),
			ImageBatchSize:      getEnvInt("IMAGE_BATCH_SIZE", 4),
			ImageBatchDelay:     getEnvDuration("IMAGE_BATCH_DELAY", time.Second),
			FlushEvery:          getEnvInt("FLUSH_EVERY", 2),
			ProviderConcurrency: parseConcurrency(os.Getenv("PROVIDER_CONCURRENCY")),
			DefaultConcurrency:  getEnvInt("DEFAULT_CONCURRENCY", 2),
			CommitRetry: RetryConfig{
				Attempts: getEnvInt("COMMIT_RETRY_ATTEMPTS", 5),
				Base:     getEnvDuration("COMMIT_RETRY_BASE", time.Second),
				Cap:      getEnvDuration("COMMIT_RETRY_CAP", 30*time.Second),
			},
			ProviderRetry: RetryConfig{
				Attempts: getEnvInt("PROVIDER_RETRY_ATTEMPTS", 3),
				Base:     getEnvDuration("PROVIDER_RETRY_BASE", 2*time.Second),
				Cap:      getEnvDuration("PROVIDER_RETRY_CAP", 30*time.Second),
			},
			TextTimeout:        getEnvDuration("TEXT_TIMEOUT", 90*time.Second),
			ImageCallTimeout:   getEnvDuration("IMAGE_CALL_TIMEOUT", 60*time.Second),
			PlaceholderURL:     getEnv("PLACEHOLDER_IMAGE_URL", "placeholder_image_url.jpg"),
			RecoverInterrupted: getEnvBool("RECOVER_INTERRUPTED_JOBS", true),
		},
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.Pipeline.overlay(path); err != nil {
			return nil, err
		}
	}

	switch cfg.JobStore {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreSQLite, StoreMemory:
	default:
		return nil, fmt.Errorf("unsupported JOB_STORE %q", cfg.JobStore)
	}

	if cfg.Pipeline.PagesPerComic <= 0 {
		return nil, fmt.Errorf("PAGES_PER_COMIC must be positive")
	}
	if cfg.ExtendPages <= 0 || cfg.ExtendPages > cfg.Pipeline.MaxExtendPages {
		return nil, fmt.Errorf("EXTEND_PAGES must be between 1 and MAX_EXTEND_PAGES")
	}

	return cfg, nil
}

// overlay merges non-zero values from a YAML file into p.
func (p *PipelineConfig) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file struct {
		Pipeline PipelineConfig `yaml:"pipeline"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	o := file.Pipeline
	setInt(&p.PagesPerComic, o.PagesPerComic)
	setInt(&p.MaxExtendPages, o.MaxExtendPages)
	setInt(&p.ImageBatchSize, o.ImageBatchSize)
	setInt(&p.FlushEvery, o.FlushEvery)
	setInt(&p.DefaultConcurrency, o.DefaultConcurrency)
	setDuration(&p.ImageBatchDelay, o.ImageBatchDelay)
	setDuration(&p.TextTimeout, o.TextTimeout)
	setDuration(&p.ImageCallTimeout, o.ImageCallTimeout)
	setInt(&p.CommitRetry.Attempts, o.CommitRetry.Attempts)
	setDuration(&p.CommitRetry.Base, o.CommitRetry.Base)
	setDuration(&p.CommitRetry.Cap, o.CommitRetry.Cap)
	setInt(&p.ProviderRetry.Attempts, o.ProviderRetry.Attempts)
	setDuration(&p.ProviderRetry.Base, o.ProviderRetry.Base)
	setDuration(&p.ProviderRetry.Cap, o.ProviderRetry.Cap)
	if o.PlaceholderURL != "" {
		p.PlaceholderURL = o.PlaceholderURL
	}
	if len(o.ProviderConcurrency) > 0 {
		if p.ProviderConcurrency == nil {
			p.ProviderConcurrency = map[string]int{}
		}
		for name, n := range o.ProviderConcurrency {
			p.ProviderConcurrency[strings.ToLower(name)] = n
		}
	}
	return nil
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// parseConcurrency reads "gemini=2,openai=4".
func parseConcurrency(raw string) map[string]int {
	out := map[string]int{}
	for _, part := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("1500ms") or bare seconds ("2").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
