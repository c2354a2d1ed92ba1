package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ProcessingTimeout bounds the handling of one queued message. The queue
// visibility timeout must exceed it or a live entry gets redelivered.
const ProcessingTimeout = 2 * time.Minute

// Config holds everything the relay needs at startup.
type Config struct {
	Port        string `validate:"required"`
	Environment string
	LogLevel    string
	LogFormat   string `validate:"oneof=json text"`

	WebhookPath   string `validate:"required,startswith=/"`
	WebhookSecret string `validate:"required"`
	VerifyToken   string `validate:"required"`

	WhatsAppToken   string `validate:"required"`
	WhatsAppPhoneID string `validate:"required"`
	WhatsAppAPIBase string `validate:"required,url"`
	BusinessPhone   string

	ShopifyStoreURL   string `validate:"required,url"`
	ShopifyToken      string `validate:"required"`
	ShopifyAPIVersion string `validate:"required"`
	StoreCurrency     string `validate:"required,len=3"`

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	AITimeout     time.Duration `validate:"gt=0"`

	RedisURL    string `validate:"required"`
	DatabaseURL string `validate:"required"`

	JWTSecret     string `validate:"required,min=16"`
	AdminUsername string
	AdminPassword string

	TelegramBotToken string
	TelegramChatID   int64

	WorkerCount       int           `validate:"min=1,max=64"`
	QueueStream       string        `validate:"required"`
	QueueGroup        string        `validate:"required"`
	QueueMaxLen       int64         `validate:"min=100"`
	VisibilityTimeout time.Duration `validate:"gt=0"`
	DequeueBlock      time.Duration `validate:"gt=0"`

	PhoneRateLimit     int           `validate:"min=1"`
	PhoneRateWindow    time.Duration `validate:"gt=0"`
	WebhookIPRateLimit int           `validate:"min=1"`
	AdminIPRateLimit   int           `validate:"min=1"`
	IPRateWindow       time.Duration `validate:"gt=0"`
	LoginMaxAttempts   int           `validate:"min=1"`
	LoginLockout       time.Duration `validate:"gt=0"`

	BreakerFailureThreshold int           `validate:"min=1"`
	BreakerSuccessThreshold int           `validate:"min=1"`
	BreakerTimeout          time.Duration `validate:"gt=0"`
	SharedBreakers          bool

	HTTPClientTimeout time.Duration `validate:"gt=0"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`
	CORSOrigins       []string
}

// ErrNoAIBackend is returned when neither generative-text key is set.
var ErrNoAIBackend = errors.New("at least one of GEMINI_API_KEY or OPENAI_API_KEY must be set")

var ErrVisibilityTooShort = errors.New("QUEUE_VISIBILITY_TIMEOUT too short")

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		WebhookPath:   getEnv("WEBHOOK_PATH", "/api/v1/webhook"),
		WebhookSecret: getEnv("WHATSAPP_WEBHOOK_SECRET", ""),
		VerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", ""),

		WhatsAppToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneID: getEnv("WHATSAPP_PHONE_ID", ""),
		WhatsAppAPIBase: getEnv("WHATSAPP_API_BASE", "https://graph.facebook.com/v18.0"),
		BusinessPhone:   getEnv("WHATSAPP_BUSINESS_PHONE", ""),

		ShopifyStoreURL:   strings.TrimRight(getEnv("SHOPIFY_STORE_URL", ""), "/"),
		ShopifyToken:      getEnv("SHOPIFY_ACCESS_TOKEN", ""),
		ShopifyAPIVersion: getEnv("SHOPIFY_API_VERSION", "2024-01"),
		StoreCurrency:     getEnv("STORE_CURRENCY", "USD"),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai/"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		AITimeout:     getEnvDuration("AI_TIMEOUT", 20*time.Second),

		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		TelegramBotToken: getEnv("TELEGRAM_ALERT_BOT_TOKEN", ""),
		TelegramChatID:   getEnvInt64("TELEGRAM_ALERT_CHAT_ID", 0),

		WorkerCount:       getEnvInt("WORKER_COUNT", 5),
		QueueStream:       getEnv("QUEUE_STREAM", "relay:messages"),
		QueueGroup:        getEnv("QUEUE_GROUP", "relay-workers"),
		QueueMaxLen:       getEnvInt64("QUEUE_MAX_LEN", 10000),
		VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 3*time.Minute),
		DequeueBlock:      getEnvDuration("QUEUE_BLOCK", 5*time.Second),

		PhoneRateLimit:     getEnvInt("PHONE_RATE_LIMIT", 10),
		PhoneRateWindow:    getEnvDuration("PHONE_RATE_WINDOW", 60*time.Second),
		WebhookIPRateLimit: getEnvInt("WEBHOOK_IP_RATE_LIMIT", 100),
		AdminIPRateLimit:   getEnvInt("ADMIN_IP_RATE_LIMIT", 50),
		IPRateWindow:       getEnvDuration("IP_RATE_WINDOW", 60*time.Second),
		LoginMaxAttempts:   getEnvInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockout:       getEnvDuration("LOGIN_LOCKOUT", 900*time.Second),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 3),
		BreakerTimeout:          getEnvDuration("BREAKER_TIMEOUT", 60*time.Second),
		SharedBreakers:          getEnvBool("BREAKER_SHARED", true),

		HTTPClientTimeout: getEnvDuration("HTTP_CLIENT_TIMEOUT", 15*time.Second),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings and the AI backend rule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("bad fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	if c.GeminiAPIKey == "" && c.OpenAIAPIKey == "" {
		return ErrNoAIBackend
	}
	if c.VisibilityTimeout <= ProcessingTimeout {
		return fmt.Errorf("%w: %s must exceed %s", ErrVisibilityTooShort, c.VisibilityTimeout, ProcessingTimeout)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
