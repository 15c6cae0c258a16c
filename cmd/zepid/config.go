package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// envPrefix is the prefix of the environment variables that override
// the configuration file, e.g. ZEPID_MODEL_ALPHA.
const envPrefix = "ZEPID"

// Config is the configuration of a zepid run.
type Config struct {
	Data    DataConfig    `yaml:"data" envconfig:"DATA"`
	Model   ModelConfig   `yaml:"model" envconfig:"MODEL"`
	IPTW    IPTWConfig    `yaml:"iptw" envconfig:"IPTW"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`

	// Path of the XLSX report, none is written if empty
	Output string `yaml:"output" envconfig:"OUTPUT"`
}

// DataConfig locates the analysis data.
type DataConfig struct {
	Path string `yaml:"path" envconfig:"PATH" validate:"required"`

	// Worksheet read from XLSX files
	Sheet string `yaml:"sheet" envconfig:"SHEET"`
}

// ModelConfig names the variables and models of the analysis.
type ModelConfig struct {
	Exposure      string    `yaml:"exposure" envconfig:"EXPOSURE" validate:"required"`
	Outcome       string    `yaml:"outcome" envconfig:"OUTCOME" validate:"required"`
	ExposureModel string    `yaml:"exposure_model" envconfig:"EXPOSURE_MODEL" validate:"required"`
	OutcomeModel  string    `yaml:"outcome_model" envconfig:"OUTCOME_MODEL" validate:"required"`
	Measure       string    `yaml:"measure" envconfig:"MEASURE" validate:"oneof=risk_difference risk_ratio odds_ratio rd rr or"`
	Alpha         float64   `yaml:"alpha" envconfig:"ALPHA" validate:"gt=0,lt=1"`
	Bound         []float64 `yaml:"bound" envconfig:"BOUND" validate:"max=2,dive,gte=0,lte=1"`
	Estimators    []string  `yaml:"estimators" envconfig:"ESTIMATORS" validate:"min=1,dive,oneof=tmle aiptw iptw"`
}

// IPTWConfig configures the inverse probability of treatment weights.
type IPTWConfig struct {
	Stabilized  bool   `yaml:"stabilized" envconfig:"STABILIZED"`
	Standardize string `yaml:"standardize" envconfig:"STANDARDIZE" validate:"oneof=population exposed unexposed"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" validate:"oneof=text json"`
}

func defaultConfig() Config {
	return Config{
		Data: DataConfig{
			Sheet: "Sheet1",
		},
		Model: ModelConfig{
			Measure:    "risk_difference",
			Alpha:      0.05,
			Estimators: []string{"tmle"},
		},
		IPTW: IPTWConfig{
			Stabilized:  true,
			Standardize: "population",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig builds the configuration from the defaults, the YAML file
// at path (skipped if path is empty), a .env file in the working
// directory if there is one, ZEPID_* environment variables and
// finally the override function, if not nil.  The result is validated.
func LoadConfig(path string, override func(*Config)) (*Config, error) {

	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if override != nil {
		override(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
