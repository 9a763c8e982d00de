package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Logger      Logger       `mapstructure:"logger"`
	Database    Database     `mapstructure:"database"`
	Server      Server       `mapstructure:"server"`
	Market      Market       `mapstructure:"market"`
	Massive     Massive      `mapstructure:"massive"`
	Oracle      Oracle       `mapstructure:"oracle"`
	Pool        Pool         `mapstructure:"pool"`
	Instruments []Instrument `mapstructure:"instruments" validate:"required,min=1,dive"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level" validate:"required"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// Server holds the configuration for the status/API server.
type Server struct {
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// Market describes the exchange session rules. Times are "HH:MM" in Timezone.
type Market struct {
	Timezone             string        `mapstructure:"timezone" validate:"required"`
	PreMarketOpen        string        `mapstructure:"pre_market_open" validate:"required"`
	RegularOpen          string        `mapstructure:"regular_open" validate:"required"`
	RegularClose         string        `mapstructure:"regular_close" validate:"required"`
	AfterHoursClose      string        `mapstructure:"after_hours_close" validate:"required"`
	IncludeExtended      bool          `mapstructure:"include_extended"`
	EarlyCloseAfterHours bool          `mapstructure:"early_close_after_hours"`
	LookaheadDays        int           `mapstructure:"lookahead_days" validate:"gte=1"`
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Holidays             []string      `mapstructure:"holidays"`
	EarlyCloses          []EarlyClose  `mapstructure:"early_closes" validate:"dive"`
}

// EarlyClose marks a shortened trading day.
type EarlyClose struct {
	Date  string `mapstructure:"date" validate:"required"`
	Close string `mapstructure:"close" validate:"required"`
}

// Massive holds the configuration for the Massive market data REST API.
type Massive struct {
	ApiKey         string        `mapstructure:"apiKey"`
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gt=0"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" validate:"gte=1"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PageLimit      int           `mapstructure:"page_limit" validate:"gte=1"`
}

// Oracle holds the configuration for the external decision service.
type Oracle struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	ApiKey         string        `mapstructure:"apiKey"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gt=0"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" validate:"gte=1"`
}

// Pool holds the configuration for the virtual strategy pool.
type Pool struct {
	QueueSize          int             `mapstructure:"queue_size" validate:"gte=1"`
	Windows            []time.Duration `mapstructure:"windows" validate:"required,min=1,dive,gt=0"`
	VolatilityLookback int             `mapstructure:"volatility_lookback" validate:"gte=2"`
	RestartBackoff     time.Duration   `mapstructure:"restart_backoff"`
}

// Instrument lists the strategies registered for one symbol, in registration order.
type Instrument struct {
	Symbol     string     `mapstructure:"symbol" validate:"required"`
	Strategies []Strategy `mapstructure:"strategies" validate:"required,min=1,dive"`
}

// Strategy is a single strategy registration.
type Strategy struct {
	ID     string             `mapstructure:"id" validate:"required"`
	Kind   string             `mapstructure:"kind" validate:"required,oneof=trend mean_reversion buy_and_hold"`
	Size   float64            `mapstructure:"size" validate:"gte=0"`
	Params map[string]float64 `mapstructure:"params"`
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	symbols := make(map[string]struct{}, len(c.Instruments))
	for _, inst := range c.Instruments {
		if _, dup := symbols[inst.Symbol]; dup {
			return fmt.Errorf("invalid config: instrument %s listed twice", inst.Symbol)
		}
		symbols[inst.Symbol] = struct{}{}

		ids := make(map[string]struct{}, len(inst.Strategies))
		for _, s := range inst.Strategies {
			if _, dup := ids[s.ID]; dup {
				return fmt.Errorf("invalid config: strategy %s registered twice for %s", s.ID, inst.Symbol)
			}
			ids[s.ID] = struct{}{}
		}
	}
	return nil
}

// Symbols returns the configured instruments in order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		out = append(out, inst.Symbol)
	}
	return out
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		return
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}

	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "agent.db")
	v.SetDefault("server.port", 8080)

	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("market.pre_market_open", "04:00")
	v.SetDefault("market.regular_open", "09:30")
	v.SetDefault("market.regular_close", "16:00")
	v.SetDefault("market.after_hours_close", "20:00")
	v.SetDefault("market.include_extended", true)
	v.SetDefault("market.lookahead_days", 14)
	v.SetDefault("market.poll_interval", "30s")

	v.SetDefault("massive.base_url", "https://api.massive.com/v3")
	v.SetDefault("massive.rate_limit", 20)      // requests per second
	v.SetDefault("massive.rate_limit_burst", 5) // burst size
	v.SetDefault("massive.poll_interval", "60s")
	v.SetDefault("massive.page_limit", 1000)

	v.SetDefault("oracle.timeout", "20s")
	v.SetDefault("oracle.interval", "15m")
	v.SetDefault("oracle.rate_limit", 1)
	v.SetDefault("oracle.rate_limit_burst", 1)

	v.SetDefault("pool.queue_size", 1024)
	v.SetDefault("pool.windows", []string{"30m", "1h", "4h"})
	v.SetDefault("pool.volatility_lookback", 30)
	v.SetDefault("pool.restart_backoff", "1s")
}
