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

// Config holds every tunable of the factory service. Values come from the
// environment, optionally seeded from a .env file.
type Config struct {
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"PORT" envDefault:"8000" validate:"gte=1024,lte=65535"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	Environment string `env:"ENVIRONMENT" envDefault:"development" validate:"oneof=development staging production"`

	MaxFileSize       int64         `env:"MAX_FILE_SIZE" envDefault:"1048576" validate:"gt=0"`
	MaxBundleSize     int64         `env:"MAX_BUNDLE_SIZE" envDefault:"52428800" validate:"gt=0"`
	MaxExtractSize    int64         `env:"MAX_EXTRACT_SIZE" envDefault:"104857600" validate:"gt=0"`
	AllowedExtensions []string      `env:"ALLOWED_EXTENSIONS" envSeparator:"," envDefault:".js,.mjs,.html,.htm,.zip" validate:"min=1"`
	UploadTimeout     time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"300s" validate:"gt=0"`

	DockerNetwork          string  `env:"DOCKER_NETWORK" envDefault:"roomforge-net" validate:"required"`
	BasePort               int     `env:"BASE_PORT" envDefault:"8081" validate:"gte=1024,lte=65535"`
	PortProbeWindow        int     `env:"PORT_PROBE_WINDOW" envDefault:"1000" validate:"gt=0"`
	MaxContainers          int     `env:"MAX_CONTAINERS" envDefault:"10" validate:"gt=0"`
	ContainerMemoryLimitMB int64   `env:"CONTAINER_MEMORY_LIMIT" envDefault:"512" validate:"gt=0"`
	ContainerCPULimit      float64 `env:"CONTAINER_CPU_LIMIT" envDefault:"0.5" validate:"gt=0"`

	MatchmakerURL     string        `env:"MATCHMAKER_URL" envDefault:"http://localhost:9000" validate:"required,url"`
	MatchmakerTimeout time.Duration `env:"MATCHMAKER_TIMEOUT" envDefault:"5s" validate:"gt=0"`

	IdleTimeoutSeconds     int           `env:"IDLE_TIMEOUT_SECONDS" envDefault:"1800" validate:"gt=0"`
	CleanupIntervalSeconds int           `env:"CLEANUP_INTERVAL_SECONDS" envDefault:"60" validate:"gt=0"`
	ResourceCheckInterval  time.Duration `env:"RESOURCE_CHECK_INTERVAL" envDefault:"30s" validate:"gt=0"`
	MaxErrorCount          int           `env:"MAX_ERROR_COUNT" envDefault:"3" validate:"gt=0"`
	StopTimeout            time.Duration `env:"STOP_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO" validate:"oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	LogFile  string `env:"LOG_FILE"`
	// Rotation of LogFile is left to logrotate; these knobs are validated
	// here so a bad deploy fails at startup rather than at rotation time.
	LogMaxSizeMB   int `env:"LOG_MAX_SIZE" envDefault:"10" validate:"gt=0"`
	LogBackupCount int `env:"LOG_BACKUP_COUNT" envDefault:"5" validate:"gte=0"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	APIRateLimit   int      `env:"API_RATE_LIMIT" envDefault:"60" validate:"gt=0"`
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Parse loads the configuration from the environment. A .env file in the
// working directory is applied first when present. All validation failures
// are reported together so a broken deployment surfaces every problem at
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

	for _, ext := range c.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			problems = append(problems, fmt.Sprintf("allowed extension %q must start with a dot", ext))
		}
	}

	if c.IsProduction() && slices.Contains(c.AllowedOrigins, "*") {
		problems = append(problems, "ALLOWED_ORIGINS must not contain * in production")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}
