package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	EvolutionBaseURL string
	EvolutionAPIKey  string
	RemoteTimeout    time.Duration

	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string
	LedgerDSN      string

	// AllowedInstances lists the instance names eligible for bulk import. "*" allows all.
	AllowedInstances []string

	Sync  SyncSettings
	Phone PhoneSettings
	S3    S3Settings

	Port             string
	AdminToken       string
	ResultWebhookURL string

	RabbitMQURL            string
	RabbitMQQueue          string
	RabbitMQQueuePrefix    string
	RabbitMQSpecificEvents []string

	LogLevel  string
	LogFormat string

	ConfigFile string
}

// SyncSettings are the batching tunables of the reconciliation run.
type SyncSettings struct {
	BatchSize            int           `toml:"batch_size"`
	BatchesPerInvocation int           `toml:"batches_per_invocation"`
	MessagesPerChat      int           `toml:"messages_per_chat"`
	BatchPause           time.Duration `toml:"-"`
	TimeBudget           time.Duration `toml:"-"`
	DedupWindow          int           `toml:"dedup_window"`
	Channel              string        `toml:"channel"`
}

// PhoneSettings drive phone-number normalization.
type PhoneSettings struct {
	DefaultCountryCode string `toml:"default_country_code"`
	NationalLengths    []int  `toml:"national_lengths"`
}

// S3Settings configure the optional avatar mirror.
type S3Settings struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
	EnableACL bool
}

// fileConfig is the optional TOML overlay read from SYNC_CONFIG_FILE.
type fileConfig struct {
	AllowedInstances []string      `toml:"allowed_instances"`
	Sync             SyncSettings  `toml:"sync"`
	Phone            PhoneSettings `toml:"phone"`
	BatchPauseMs     int           `toml:"batch_pause_ms"`
	TimeBudgetSecs   int           `toml:"time_budget_seconds"`
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := FromEnv(os.Getenv)

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.ConfigFile).Msg("Applied sync configuration file")
	}

	return cfg, nil
}

// FromEnv builds a Config from the given lookup function, applying defaults.
func FromEnv(getenv func(string) string) *Config {
	cfg := &Config{
		EvolutionBaseURL: strings.TrimRight(getenv("EVOLUTION_BASE_URL"), "/"),
		EvolutionAPIKey:  getenv("EVOLUTION_API_KEY"),
		RemoteTimeout:    time.Duration(intOr(getenv("REMOTE_TIMEOUT_SECONDS"), 30)) * time.Second,

		DatabaseDriver: strings.ToLower(orDefault(getenv("DATABASE_DRIVER"), "postgres")),
		DatabaseURL:    getenv("DATABASE_URL"),
		LedgerDSN:      orDefault(getenv("LEDGER_DSN"), "chatsync-ledger.db"),

		AllowedInstances: splitList(getenv("ALLOWED_INSTANCES")),

		Sync: SyncSettings{
			BatchSize:            intOr(getenv("SYNC_BATCH_SIZE"), 30),
			BatchesPerInvocation: intOr(getenv("SYNC_BATCHES_PER_INVOCATION"), 1),
			MessagesPerChat:      intOr(getenv("SYNC_MESSAGES_PER_CHAT"), 500),
			BatchPause:           time.Duration(intOr(getenv("SYNC_BATCH_PAUSE_MS"), 1000)) * time.Millisecond,
			TimeBudget:           time.Duration(intOr(getenv("SYNC_TIME_BUDGET_SECONDS"), 50)) * time.Second,
			DedupWindow:          intOr(getenv("DEDUP_WINDOW"), 1000),
			Channel:              orDefault(getenv("SYNC_CHANNEL"), "whatsapp"),
		},
		Phone: PhoneSettings{
			DefaultCountryCode: orDefault(getenv("DEFAULT_COUNTRY_CODE"), "55"),
			NationalLengths:    intList(orDefault(getenv("NATIONAL_NUMBER_LENGTHS"), "10,11")),
		},
		S3: S3Settings{
			Enabled:   boolOr(getenv("S3_ENABLED"), false),
			Endpoint:  getenv("S3_ENDPOINT"),
			Region:    orDefault(getenv("S3_REGION"), "us-east-1"),
			Bucket:    getenv("S3_BUCKET"),
			AccessKey: getenv("S3_ACCESS_KEY"),
			SecretKey: getenv("S3_SECRET_KEY"),
			PathStyle: boolOr(getenv("S3_PATH_STYLE"), false),
			PublicURL: getenv("S3_PUBLIC_URL"),
			EnableACL: boolOr(getenv("S3_ENABLE_ACL"), false),
		},

		Port:             orDefault(getenv("PORT"), "8080"),
		AdminToken:       getenv("ADMIN_TOKEN"),
		ResultWebhookURL: getenv("RESULT_WEBHOOK_URL"),

		RabbitMQURL:            getenv("RABBITMQ_URL"),
		RabbitMQQueue:          orDefault(getenv("RABBITMQ_QUEUE"), "sync_results"),
		RabbitMQQueuePrefix:    orDefault(getenv("RABBITMQ_QUEUE_PREFIX"), "chatsync"),
		RabbitMQSpecificEvents: splitList(getenv("RABBITMQ_SPECIFIC_EVENTS")),

		LogLevel:  orDefault(getenv("LOG_LEVEL"), "info"),
		LogFormat: orDefault(getenv("LOG_FORMAT"), "console"),

		ConfigFile: getenv("SYNC_CONFIG_FILE"),
	}
	return cfg
}

// applyFile overlays the non-zero values of a TOML file onto cfg.
func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	if len(fc.AllowedInstances) > 0 {
		c.AllowedInstances = fc.AllowedInstances
	}
	if fc.Sync.BatchSize > 0 {
		c.Sync.BatchSize = fc.Sync.BatchSize
	}
	if fc.Sync.BatchesPerInvocation > 0 {
		c.Sync.BatchesPerInvocation = fc.Sync.BatchesPerInvocation
	}
	if fc.Sync.MessagesPerChat > 0 {
		c.Sync.MessagesPerChat = fc.Sync.MessagesPerChat
	}
	if fc.Sync.DedupWindow > 0 {
		c.Sync.DedupWindow = fc.Sync.DedupWindow
	}
	if fc.Sync.Channel != "" {
		c.Sync.Channel = fc.Sync.Channel
	}
	if fc.BatchPauseMs > 0 {
		c.Sync.BatchPause = time.Duration(fc.BatchPauseMs) * time.Millisecond
	}
	if fc.TimeBudgetSecs > 0 {
		c.Sync.TimeBudget = time.Duration(fc.TimeBudgetSecs) * time.Second
	}
	if fc.Phone.DefaultCountryCode != "" {
		c.Phone.DefaultCountryCode = fc.Phone.DefaultCountryCode
	}
	if len(fc.Phone.NationalLengths) > 0 {
		c.Phone.NationalLengths = fc.Phone.NationalLengths
	}
	return nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.EvolutionBaseURL == "" {
		return fmt.Errorf("EVOLUTION_BASE_URL is required")
	}
	if c.EvolutionAPIKey == "" {
		return fmt.Errorf("EVOLUTION_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive")
	}
	if c.Sync.BatchesPerInvocation <= 0 {
		return fmt.Errorf("SYNC_BATCHES_PER_INVOCATION must be positive")
	}
	if len(c.Phone.NationalLengths) == 0 {
		return fmt.Errorf("NATIONAL_NUMBER_LENGTHS must list at least one length")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENABLED is set")
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func intOr(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func boolOr(v string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intList(v string) []int {
	var out []int
	for _, part := range splitList(v) {
		if n, err := strconv.Atoi(part); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}
