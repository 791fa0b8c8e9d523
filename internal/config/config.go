package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/materiality/internal/domain"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Retrain    RetrainConfig
	Classifier ClassifierConfig
	API        APIConfig
}

type ServerConfig struct {
	Port      int     `json:"server.port" validate:"gte=1,lte=65535"`
	MaxConns  int     `json:"server.max_conns" validate:"gte=0"`
	RateLimit float64 `json:"server.rate_limit" validate:"gte=0"`
	RateBurst int     `json:"server.rate_burst" validate:"gte=1"`
}

type StorageConfig struct {
	DataDir        string `json:"storage.data_dir" validate:"required"`
	BackupSchedule string `json:"storage.backup_schedule"`
	BackupKeep     int    `json:"storage.backup_keep" validate:"gte=1"`
}

type LogConfig struct {
	Level string `json:"log.level" validate:"oneof=debug info warn error"`
}

type RetrainConfig struct {
	Threshold   int    `json:"retrain.threshold" validate:"gte=1"`
	Timeout     string `json:"retrain.timeout" validate:"required"`
	MarkRetries int    `json:"retrain.mark_retries" validate:"gte=0"`
}

type ClassifierConfig struct {
	Epochs       int     `json:"classifier.epochs" validate:"gte=1"`
	LearningRate float64 `json:"classifier.learning_rate" validate:"gt=0"`
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:      5001,
			MaxConns:  256,
			RateLimit: 50,
			RateBurst: 100,
		},
		Storage: StorageConfig{
			DataDir:    defaultDataDir(),
			BackupKeep: 7,
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrain: RetrainConfig{
			Threshold:   10,
			Timeout:     "2m",
			MarkRetries: 3,
		},
		Classifier: ClassifierConfig{
			Epochs:       500,
			LearningRate: 0.5,
		},
	}
}

// RetrainTimeout returns the parsed retrain.timeout.
func (c Config) RetrainTimeout() time.Duration {
	d, err := time.ParseDuration(c.Retrain.Timeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// Load reads configuration from .env files, the YAML file at
// $XDG_CONFIG_HOME/materiality/config.yaml and MATERIALITY_* environment
// variables, later sources winning. The API token is not loaded here; see
// GetAPIToken.
func Load() (Config, error) {
	if err := loadDotenv(); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(configFilePath()))
}

// loadDotenv loads .env from the working directory when present. Variables
// already set in the environment are kept.
func loadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first out-of-range setting.
func (c Config) Validate() error {
	for _, section := range []any{c.Server, c.Storage, c.Log, c.Retrain, c.Classifier} {
		if err := domain.Validate(section); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	d, err := time.ParseDuration(c.Retrain.Timeout)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid config: %w", domain.Invalid("retrain.timeout", "must be a positive duration such as 90s or 2m, got %q", c.Retrain.Timeout))
	}
	return nil
}
