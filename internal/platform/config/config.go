// Package config loads the flat key/value configuration from the
// environment (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrInvalid wraps any configuration failure; main exits with code 2
// when it sees this error.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"local"`

	// Telegram credentials (required).
	TelegramAPIID   int    `env:"TELEGRAM_API_ID,required"`
	TelegramAPIHash string `env:"TELEGRAM_API_HASH,required"`
	PhoneNumber     string `env:"PHONE_NUMBER,required"`
	TGSessionString string `env:"TG_SESSION_STRING,required"`

	TG2FAPassword string `env:"TG_2FA_PASSWORD"`

	// Reader polling.
	ReaderFetchLimit int           `env:"READER_FETCH_LIMIT" envDefault:"50"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"15s"`

	// Output targets.
	ArabsSummaryOut int64 `env:"ARABS_SUMMARY_OUT,required"`
	SmartChat       int64 `env:"SMART_CHAT" envDefault:"0"`

	// LLM provider.
	LLMProvider   string `env:"LLM_PROVIDER" envDefault:"gemini"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY,required"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	// Extraction budget.
	LLMBudgetHourly int           `env:"LLM_BUDGET_HOURLY" envDefault:"120"`
	LLMRPMLimit     int           `env:"LLM_RPM_LIMIT" envDefault:"14"`
	LLMTimeout      time.Duration `env:"LLM_TIMEOUT" envDefault:"45s"`

	// Batching.
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"24"`
	MaxBatchAge      time.Duration `env:"MAX_BATCH_AGE" envDefault:"300s"`
	IngressQueueSize int           `env:"INGRESS_QUEUE_SIZE" envDefault:"512"`

	// Correlation & emission.
	MinSources             int           `env:"MIN_SOURCES" envDefault:"2"`
	AuthorityHighThreshold float64       `env:"AUTHORITY_HIGH_THRESHOLD" envDefault:"75"`
	SummaryMinInterval     time.Duration `env:"SUMMARY_MIN_INTERVAL" envDefault:"300s"`
	ClusterIdleTTL         time.Duration `env:"CLUSTER_IDLE_TTL" envDefault:"10m"`
	FastTrackHold          time.Duration `env:"FAST_TRACK_HOLD" envDefault:"60s"`
	RetractionLookback     time.Duration `env:"RETRACTION_LOOKBACK" envDefault:"10m"`

	// Authority model.
	AuthorityAlpha    float64 `env:"AUTHORITY_ALPHA" envDefault:"3"`
	AuthorityBeta     float64 `env:"AUTHORITY_BETA" envDefault:"2"`
	AuthorityDecayDay float64 `env:"AUTHORITY_DECAY_PER_DAY" envDefault:"0.5"`

	// Idle scores regress toward the baseline of their source class.
	AuthorityBaselineArab  float64 `env:"AUTHORITY_BASELINE_ARAB" envDefault:"50"`
	AuthorityBaselineSmart float64 `env:"AUTHORITY_BASELINE_SMART" envDefault:"50"`

	// Store.
	DBPath            string        `env:"DB_PATH" envDefault:"./trend-sentinel.db"`
	DedupWindow       time.Duration `env:"DEDUP_WINDOW" envDefault:"6h"`
	StoreWriteTimeout time.Duration `env:"STORE_WRITE_TIMEOUT" envDefault:"5s"`

	// Output send.
	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`

	// Source channel lists.
	ArabSourcesFile  string `env:"ARAB_SOURCES_FILE" envDefault:"arab_channels.txt"`
	SmartSourcesFile string `env:"SMART_SOURCES_FILE" envDefault:"smart_channels.txt"`

	// Normalizer trailer patterns (anchored at end of text).
	SignatureTrailers []string `env:"SIGNATURE_TRAILERS" envSeparator:"|" envDefault:"\\[[^\\[\\]]{0,48}\\]$|【[^【】]{0,48}】$"`

	// Companion control bot (optional).
	BotToken string  `env:"BOT_TOKEN"`
	AdminIDs []int64 `env:"ADMIN_IDS" envSeparator:","`

	HealthPort int `env:"HEALTH_PORT" envDefault:"8080"`
}

// Load reads the configuration from the environment. A .env file in
// the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: BATCH_SIZE must be positive", ErrInvalid)
	}

	if c.LLMBudgetHourly <= 0 || c.LLMRPMLimit <= 0 {
		return fmt.Errorf("%w: LLM budget limits must be positive", ErrInvalid)
	}

	if c.MinSources < 1 {
		return fmt.Errorf("%w: MIN_SOURCES must be at least 1", ErrInvalid)
	}

	if c.AuthorityHighThreshold < 0 || c.AuthorityHighThreshold > 100 {
		return fmt.Errorf("%w: AUTHORITY_HIGH_THRESHOLD must be within [0,100]", ErrInvalid)
	}

	switch c.LLMProvider {
	case "gemini":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY required for LLM_PROVIDER=openai", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown LLM_PROVIDER %q", ErrInvalid, c.LLMProvider)
	}

	return nil
}
