// Package config provides application configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Run modes.
const (
	ModeLocal      = "local"
	ModeProduction = "production"
)

// Config holds all application configuration.
type Config struct {
	Mode        string `validate:"oneof=local production"`
	Port        string `validate:"required,numeric"`
	FrontendURL string `validate:"omitempty,url"`
	DBPath      string `validate:"required"`
	LogDir      string `validate:"required"`

	PersonaPath    string `validate:"required"`
	PersonaName    string `validate:"required"`
	TunablesPath   string
	ScopeRulesPath string
	KnownEntities  []string

	AdminKey            string
	LegacyApprovalsPath string
	SessionSecret       string
	SessionTTL          time.Duration `validate:"gt=0"`
	SessionBackend      string        `validate:"oneof=sqlite redis"`
	RedisURL            string        `validate:"required_if=SessionBackend redis"`

	Quota                   QuotaConfig
	MaxQueryLength          int `validate:"gte=1"`
	MaxJobDescriptionLength int `validate:"gte=1"`
	HistoryLimit            int `validate:"gte=0"`

	LLM       LLMConfig
	SMTP      SMTPConfig
	RateLimit RateLimitConfig
	Retention RetentionConfig

	LogFile  string
	LogLevel string `validate:"oneof=debug info warn error"`

	// Warnings collects non-fatal findings from Validate.
	Warnings []string `validate:"-"`
}

// QuotaConfig holds the per-session thresholds.
type QuotaConfig struct {
	MaxTurns         int `validate:"gte=1"`
	WarningThreshold int `validate:"gte=1"`
	CutoffThreshold  int `validate:"gtefield=WarningThreshold"`
}

// LLMConfig configures the chat completion provider.
type LLMConfig struct {
	APIKey          string
	BaseURL         string `validate:"omitempty,url"`
	ClassifierModel string `validate:"required"`
	ChatModel       string `validate:"required"`
	VettingModel    string `validate:"required"`
	SemanticEnabled bool
	UsageAPIKey     string
}

// SMTPConfig configures extension request notifications.
type SMTPConfig struct {
	Host       string
	Port       int `validate:"gte=0,lte=65535"`
	UseTLS     bool
	Username   string
	Password   string
	From       string `validate:"omitempty,email"`
	AdminEmail string `validate:"omitempty,email"`
	AppURL     string `validate:"omitempty,url"`
}

// Enabled reports whether notifications can be sent.
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.AdminEmail != ""
}

// RateLimitConfig bounds chat requests per client IP.
type RateLimitConfig struct {
	Requests int `validate:"gte=0"`
	Window   time.Duration
}

// RetentionConfig controls log and session housekeeping.
type RetentionConfig struct {
	Days     int    `validate:"gte=0"`
	Schedule string `validate:"required"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiKey := getEnv("OPENAI_API_KEY", "")
	smtpUser := getEnv("SMTP_USERNAME", "")
	logDir := getEnv("QUERY_LOG_PATH", "./logs")

	cfg := &Config{
		Mode:        strings.ToLower(getEnv("APP_MODE", ModeProduction)),
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/personagate.db"),
		LogDir:      logDir,

		PersonaPath:    getEnv("PERSONA_FILE_PATH", "./persona.txt"),
		PersonaName:    getEnv("PERSONA_NAME", "the candidate"),
		TunablesPath:   getEnv("CONFIG_FILE_PATH", "./config.json"),
		ScopeRulesPath: getEnv("SCOPE_RULES_PATH", ""),
		KnownEntities:  getEnvList("KNOWN_ENTITIES"),

		AdminKey:            getEnv("ADMIN_RESET_KEY", ""),
		LegacyApprovalsPath: getEnv("APPROVED_RESETS_PATH", filepath.Join(logDir, "approved_resets.json")),
		SessionSecret:       getEnv("SESSION_SECRET", getEnv("FLASK_SECRET_KEY", "")),
		SessionTTL:          getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionBackend:      strings.ToLower(getEnv("SESSION_BACKEND", "sqlite")),
		RedisURL:            getEnv("REDIS_URL", ""),

		Quota: QuotaConfig{
			MaxTurns:         getEnvInt("MAX_QUERIES_PER_SESSION", 50),
			WarningThreshold: getEnvInt("OUT_OF_SCOPE_WARNING_THRESHOLD", 5),
			CutoffThreshold:  getEnvInt("OUT_OF_SCOPE_CUTOFF_THRESHOLD", 10),
		},
		MaxQueryLength:          getEnvInt("MAX_QUERY_LENGTH", 500),
		MaxJobDescriptionLength: getEnvInt("MAX_JOB_DESCRIPTION_LENGTH", 5000),
		HistoryLimit:            getEnvInt("CONVERSATION_HISTORY_LIMIT", 20),

		LLM: LLMConfig{
			APIKey:          apiKey,
			BaseURL:         getEnv("OPENAI_BASE_URL", ""),
			ClassifierModel: getEnv("CLASSIFIER_MODEL", "gpt-4o-mini"),
			ChatModel:       getEnv("CHAT_MODEL", "gpt-4o-mini"),
			VettingModel:    getEnv("VETTING_MODEL", "gpt-4o-mini"),
			SemanticEnabled: getEnvBool("SCOPE_SEMANTIC_ENABLED", true),
			UsageAPIKey:     getEnv("OPENAI_ADMIN_KEY", apiKey),
		},
		SMTP: SMTPConfig{
			Host:       getEnv("SMTP_HOST", ""),
			Port:       getEnvInt("SMTP_PORT", 587),
			UseTLS:     getEnvBool("SMTP_USE_TLS", false),
			Username:   smtpUser,
			Password:   getEnv("SMTP_PASSWORD", ""),
			From:       getEnv("SMTP_FROM", smtpUser),
			AdminEmail: getEnv("ADMIN_EMAIL", ""),
			AppURL:     getEnv("APP_URL", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Retention: RetentionConfig{
			Days:     getEnvInt("LOG_RETENTION_DAYS", 0),
			Schedule: getEnv("RETENTION_SCHEDULE", "@daily"),
		},

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints. In local mode a missing session secret
// is generated instead of failing.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	if c.Quota.CutoffThreshold > c.Quota.MaxTurns {
		c.Warnings = append(c.Warnings, "OUT_OF_SCOPE_CUTOFF_THRESHOLD exceeds MAX_QUERIES_PER_SESSION; cutoff can never trigger")
	}

	if c.AdminKey == "" {
		c.Warnings = append(c.Warnings, "ADMIN_RESET_KEY not set; admin endpoints are disabled")
	}
	return c.validateSessionSecret()
}

func (c *Config) validateSessionSecret() error {
	if c.SessionSecret != "" {
		return nil
	}
	if !c.IsDevelopment() {
		return errors.New("SESSION_SECRET is required; generate one with: openssl rand -hex 32")
	}
	secret, err := generateSecret()
	if err != nil {
		return err
	}
	c.SessionSecret = secret
	c.Warnings = append(c.Warnings, "SESSION_SECRET not set; generated a key for this process")
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IsDevelopment returns true if running in local development mode.
func (c *Config) IsDevelopment() bool {
	return c.Mode == ModeLocal
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
