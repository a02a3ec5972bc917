package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when it is set.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvDuration parses key as a time.Duration when it is set.
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// ApplyEnv overrides cfg fields from PRICESCOUT_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v, ok := EnvString("PRICESCOUT_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := EnvString("PRICESCOUT_REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	if v, ok, err := EnvInt("PRICESCOUT_REDIS_DB"); err != nil {
		return err
	} else if ok {
		cfg.RedisDB = v
	}
	if v, ok := EnvString("PRICESCOUT_DATABASE_DRIVER"); ok {
		cfg.DatabaseDriver = v
	}
	if v, ok := EnvString("PRICESCOUT_DATABASE_DSN"); ok {
		cfg.DatabaseDSN = v
	}
	if v, ok, err := EnvInt("PRICESCOUT_WORKERS"); err != nil {
		return err
	} else if ok {
		cfg.Workers = v
	}
	if v, ok, err := EnvInt("PRICESCOUT_MAX_STORE_RETRIES"); err != nil {
		return err
	} else if ok {
		cfg.MaxStoreRetries = v
	}
	if v, ok, err := EnvDuration("PRICESCOUT_WAIT_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.WaitTimeout = v
	}
	if v, ok, err := EnvDuration("PRICESCOUT_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.Timeout = v
	}
	if v, ok := EnvString("PRICESCOUT_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := EnvString("PRICESCOUT_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := EnvString("PRICESCOUT_OTLP_ENDPOINT"); ok {
		cfg.OTLPEndpoint = v
	}
	if v, ok := EnvString("PRICESCOUT_SCHEDULE"); ok {
		cfg.ScheduleSpec = v
	}
	return nil
}
