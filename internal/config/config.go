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
	"gopkg.in/yaml.v3"

	"github.com/trogers1052/venom-governor/internal/decay"
	"github.com/trogers1052/venom-governor/internal/throttle"
)

// Config holds all configuration for the governor service
type Config struct {
	// Storage
	LedgerPath   string `validate:"required"`
	StatePath    string `validate:"required_if=StateBackend file"`
	StateBackend string `validate:"oneof=file redis"`
	RedisAddr    string `validate:"required_if=StateBackend redis"`
	RedisKey     string
	SignalSource string `validate:"required"`

	// Governors
	DecayEnabled    bool
	Decay           decay.Config
	ThrottleEnabled bool
	Throttle        throttle.Config

	// Ledger monitor
	CompletionInterval time.Duration `validate:"gt=0"`
	ExpireInterval     time.Duration `validate:"gt=0"`
	SignalMaxAge       time.Duration `validate:"gt=0"`
	PriceMaxAge        time.Duration

	// Kafka
	KafkaEnabled        bool
	KafkaBrokers        []string `validate:"required_if=KafkaEnabled true"`
	KafkaConsumerGroup  string
	KafkaTickTopic      string // market ticks feeding the price cache
	KafkaOutcomeTopic   string // broker-observed results
	KafkaLifecycleTopic string // ledger entries published for downstream consumers

	// Telegram
	TelegramBotToken string
	TelegramChatID   int64 `validate:"required_with=TelegramBotToken"`

	// Alert settings
	AlertTimeout     time.Duration
	AlertOnResults   bool // Send a message for every completed signal
	CooldownMinutes  int  `validate:"gte=0"` // Cooldown between result alerts for the same symbol
	QuietHoursStart  int  `validate:"gte=0,lte=23"`
	QuietHoursEnd    int  `validate:"gte=0,lte=23"`
	EnableQuietHours bool

	// HTTP + logging
	HTTPAddr  string `validate:"required"`
	LogLevel  string
	LogFormat string `validate:"omitempty,oneof=json console"`

	// ConfigFile is the optional YAML overlay for governor tuning
	ConfigFile string
}

// tuning is the YAML overlay document
type tuning struct {
	Decay    *decay.Config    `yaml:"decay"`
	Throttle *throttle.Config `yaml:"throttle"`
}

var validate = validator.New()

// Load reads .env (if present), the environment and the optional YAML
// overlay, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	alertTimeout := getEnvDuration("ALERT_TIMEOUT", 5*time.Second)

	decayCfg := decay.DefaultConfig()
	decayCfg.Baseline = getEnvFloat("DECAY_BASELINE", decayCfg.Baseline)
	decayCfg.Interval = getEnvDuration("DECAY_INTERVAL", decayCfg.Interval)
	decayCfg.AlertTimeout = alertTimeout

	throttleCfg := throttle.DefaultConfig()
	throttleCfg.BaseTCS = getEnvFloat("THROTTLE_BASE_TCS", throttleCfg.BaseTCS)
	throttleCfg.BaseML = getEnvFloat("THROTTLE_BASE_ML", throttleCfg.BaseML)
	throttleCfg.Interval = getEnvDuration("THROTTLE_INTERVAL", throttleCfg.Interval)
	throttleCfg.AlertWindow = getEnvDuration("ALERT_WINDOW", throttleCfg.AlertWindow)
	throttleCfg.AlertTimeout = alertTimeout

	cfg := &Config{
		// Storage
		LedgerPath:   getEnv("LEDGER_PATH", "data/truth/signal_truth.jsonl"),
		StatePath:    getEnv("STATE_PATH", "data/governor_state.json"),
		StateBackend: strings.ToLower(getEnv("STATE_BACKEND", "file")),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisKey:     getEnv("REDIS_KEY", "venom:governor_state"),
		SignalSource: getEnv("SIGNAL_SOURCE", "VENOM"),

		// Governors
		DecayEnabled:    getEnvBool("DECAY_ENABLED", true),
		Decay:           decayCfg,
		ThrottleEnabled: getEnvBool("THROTTLE_ENABLED", true),
		Throttle:        throttleCfg,

		// Ledger monitor
		CompletionInterval: getEnvDuration("COMPLETION_INTERVAL", time.Second),
		ExpireInterval:     getEnvDuration("EXPIRE_INTERVAL", 5*time.Minute),
		SignalMaxAge:       getEnvDuration("SIGNAL_MAX_AGE", 24*time.Hour),
		PriceMaxAge:        getEnvDuration("PRICE_MAX_AGE", 2*time.Minute),

		// Kafka
		KafkaEnabled:        getEnvBool("KAFKA_ENABLED", false),
		KafkaBrokers:        splitList(getEnv("KAFKA_BROKERS", "localhost:19092")),
		KafkaConsumerGroup:  getEnv("KAFKA_CONSUMER_GROUP", "venom-governor"),
		KafkaTickTopic:      getEnv("KAFKA_TICK_TOPIC", "venom.market.ticks"),
		KafkaOutcomeTopic:   getEnv("KAFKA_OUTCOME_TOPIC", "venom.signal.outcomes"),
		KafkaLifecycleTopic: getEnv("KAFKA_LIFECYCLE_TOPIC", "venom.signal.lifecycle"),

		// Telegram
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnvInt64("TELEGRAM_CHAT_ID", 0),

		// Alert settings
		AlertTimeout:     alertTimeout,
		AlertOnResults:   getEnvBool("ALERT_ON_RESULTS", true),
		CooldownMinutes:  getEnvInt("COOLDOWN_MINUTES", 0),
		QuietHoursStart:  getEnvInt("QUIET_HOURS_START", 22), // 10 PM
		QuietHoursEnd:    getEnvInt("QUIET_HOURS_END", 7),    // 7 AM
		EnableQuietHours: getEnvBool("ENABLE_QUIET_HOURS", false),

		HTTPAddr:  getEnv("HTTP_ADDR", ":8090"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),

		ConfigFile: getEnv("GOVERNOR_CONFIG_FILE", ""),
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyOverlay(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverlay decodes the YAML file over the governor tuning. Keys absent
// from the file keep their current values.
func (c *Config) applyOverlay(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	doc := tuning{Decay: &c.Decay, Throttle: &c.Throttle}
	if err := yaml.NewDecoder(file).Decode(&doc); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// Validate checks field constraints and reports every violation at once
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
