package cfg

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the matchmaker's tunables, loaded from the environment.
type Config struct {
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"PORT" envDefault:"9000" validate:"gte=1024,lte=65535"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	Environment string `env:"ENVIRONMENT" envDefault:"development" validate:"oneof=development staging production"`

	HeartbeatTimeoutSeconds int `env:"HEARTBEAT_TIMEOUT" envDefault:"90" validate:"gt=0"`
	CleanupIntervalSeconds  int `env:"CLEANUP_INTERVAL" envDefault:"30" validate:"gt=0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO" validate:"oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	LogFile  string `env:"LOG_FILE"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Parse loads and validates the configuration, reporting every problem at
// once.
func Parse() (Config, error) {
	_ = godotenv.Load()

	config, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("error parsing environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) Validate() error {
	var problems []string

	err := validator.New().Struct(c)

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		for _, fieldErr := range validationErrs {
			problems = append(problems, fmt.Sprintf("%s failed %q validation", fieldErr.Field(), fieldErr.Tag()))
		}
	} else if err != nil {
		return fmt.Errorf("error validating config: %w", err)
	}

	if c.IsProduction() && slices.Contains(c.AllowedOrigins, "*") {
		problems = append(problems, "ALLOWED_ORIGINS must not contain * in production")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}
