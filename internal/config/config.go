package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT" validate:"required,numeric"`
	Env           string `mapstructure:"ENV" validate:"oneof=development test production"`
	LogLevel      string `mapstructure:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	Store         string `mapstructure:"STORE" validate:"oneof=postgres memory"`
	DatabaseURL   string `mapstructure:"DATABASE_URL" validate:"required_if=Store postgres"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS" validate:"gte=0,ltefield=DBMaxConns"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT" validate:"required,alphanum"`

	BaseURL                     string `mapstructure:"BASE_URL" validate:"required,url"`
	ConditionalDeleteMaxMatches int    `mapstructure:"CONDITIONAL_DELETE_MAX_MATCHES" validate:"gte=1"`
	UpdateCreateEnabled         bool   `mapstructure:"UPDATE_CREATE_ENABLED"`
	TransactionsEnabled         bool   `mapstructure:"TRANSACTIONS_ENABLED"`
	HistoryMaxEntries           int    `mapstructure:"HISTORY_MAX_ENTRIES" validate:"gte=1"`
	SearchPageSize              int    `mapstructure:"SEARCH_PAGE_SIZE" validate:"gte=1"`

	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT" validate:"gt=0"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	BundleBodyLimit string        `mapstructure:"BUNDLE_BODY_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	RedisURL       string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL" validate:"gt=0"`

	AMQPURL           string        `mapstructure:"AMQP_URL"`
	AMQPAuditExchange string        `mapstructure:"AMQP_AUDIT_EXCHANGE" validate:"required_with=AMQPURL"`
	AuditTimeout      time.Duration `mapstructure:"AUDIT_TIMEOUT" validate:"gt=0"`

	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY" validate:"required_with=MinioEndpoint"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY" validate:"required_with=MinioEndpoint"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET" validate:"required_with=MinioEndpoint"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
}

var defaults = map[string]interface{}{
	"PORT":                           "8000",
	"ENV":                            "development",
	"LOG_LEVEL":                      "info",
	"STORE":                          "postgres",
	"DB_MAX_CONNS":                   20,
	"DB_MIN_CONNS":                   5,
	"DEFAULT_TENANT":                 "default",
	"BASE_URL":                       "http://localhost:8000/fhir",
	"CONDITIONAL_DELETE_MAX_MATCHES": 10,
	"UPDATE_CREATE_ENABLED":          true,
	"TRANSACTIONS_ENABLED":           true,
	"HISTORY_MAX_ENTRIES":            1000,
	"SEARCH_PAGE_SIZE":               50,
	"REQUEST_TIMEOUT":                "60s",
	"BODY_LIMIT":                     "1M",
	"BUNDLE_BODY_LIMIT":              "10M",
	"RATE_LIMIT_RPS":                 100,
	"RATE_LIMIT_BURST":               200,
	"IDEMPOTENCY_TTL":                "24h",
	"AMQP_AUDIT_EXCHANGE":            "fhir.audit",
	"AUDIT_TIMEOUT":                  "5s",
	"MINIO_BUCKET":                   "fhir-bundles",
	"MINIO_USE_SSL":                  false,
}

var envKeys = []string{
	"DATABASE_URL", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"REDIS_URL", "AMQP_URL", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
}

// Load reads configuration from the environment and an optional .env file,
// then validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Bind every key explicitly so Unmarshal picks up environment values.
	for key, val := range defaults {
		v.SetDefault(key, val)
		_ = v.BindEnv(key)
	}
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules the struct
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' check", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.IsProduction() && c.AuthSigningKey == "" {
		return fmt.Errorf("invalid configuration: AUTH_SIGNING_KEY is required in production")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ProcessorConfig returns the read-only options for the bundle processor.
func (c *Config) ProcessorConfig() fhir.ProcessorConfig {
	return fhir.ProcessorConfig{
		BaseURL:                     strings.TrimSuffix(c.BaseURL, "/"),
		ConditionalDeleteMaxMatches: c.ConditionalDeleteMaxMatches,
		UpdateCreateEnabled:         c.UpdateCreateEnabled,
		TransactionsEnabled:         c.TransactionsEnabled,
		HistoryMaxEntries:           c.HistoryMaxEntries,
		SearchPageSize:              c.SearchPageSize,
		AuditTimeout:                c.AuditTimeout,
	}
}
