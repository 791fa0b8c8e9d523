package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MATERIALITY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "MATERIALITY_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.rate_limit", typ: kFloat, env: "MATERIALITY_SERVER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Server.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Server.RateLimit },
	},
	{
		key: "server.rate_burst", typ: kInt, env: "MATERIALITY_SERVER_RATE_BURST",
		apply:   func(cfg *Config, v any) { cfg.Server.RateBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.RateBurst },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MATERIALITY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backup_schedule", typ: kString, env: "MATERIALITY_STORAGE_BACKUP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Storage.BackupSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.BackupSchedule },
	},
	{
		key: "storage.backup_keep", typ: kInt, env: "MATERIALITY_STORAGE_BACKUP_KEEP",
		apply:   func(cfg *Config, v any) { cfg.Storage.BackupKeep = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.BackupKeep },
	},
	{
		key: "log.level", typ: kString, env: "MATERIALITY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "retrain.threshold", typ: kInt, env: "MATERIALITY_RETRAIN_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrain.Threshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrain.Threshold },
	},
	{
		key: "retrain.timeout", typ: kString, env: "MATERIALITY_RETRAIN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrain.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrain.Timeout },
	},
	{
		key: "retrain.mark_retries", typ: kInt, env: "MATERIALITY_RETRAIN_MARK_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Retrain.MarkRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrain.MarkRetries },
	},
	{
		key: "classifier.epochs", typ: kInt, env: "MATERIALITY_CLASSIFIER_EPOCHS",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Epochs = v.(int) },
		extract: func(cfg Config) any { return cfg.Classifier.Epochs },
	},
	{
		key: "classifier.learning_rate", typ: kFloat, env: "MATERIALITY_CLASSIFIER_LEARNING_RATE",
		apply:   func(cfg *Config, v any) { cfg.Classifier.LearningRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Classifier.LearningRate },
	},
	{
		key: "api.token", typ: kString, env: "MATERIALITY_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
