package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// fileConfig is the on-disk shape; durations are written as "10s" style strings.
type fileConfig struct {
	Config
	Timeout        string `json:"timeout"`
	InitialPageTTL string `json:"initial_page_ttl"`
	ResultTTL      string `json:"result_ttl"`
	LockTTL        string `json:"lock_ttl"`
	WaitTimeout    string `json:"wait_timeout"`
	DirectoryTTL   string `json:"directory_ttl"`
}

// ReadFile reads a json5 file and merges `<name>.local.<ext>` over it when present.
func ReadFile[T any](name string) (T, error) {
	var out T
	allNotFound := true

	ext := filepath.Ext(name)
	localPath := strings.TrimSuffix(name, ext) + ".local" + ext

	defaultFile, err := os.ReadFile(name)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(defaultFile) > 0 {
		if err := json5.Unmarshal(defaultFile, &out); err != nil {
			return out, fmt.Errorf("decode %s: %w", name, err)
		}
		allNotFound = false
	}

	localFile, err := os.ReadFile(localPath)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(localFile) > 0 {
		var override T
		if err := json5.Unmarshal(localFile, &override); err != nil {
			return out, fmt.Errorf("decode %s: %w", localPath, err)
		}
		if err := mergo.Merge(&out, override, mergo.WithOverride); err != nil {
			return out, err
		}
		slog.Info("merging config with local overrides", slog.String("local", localPath))
		allNotFound = false
	}

	if allNotFound {
		return out, os.ErrNotExist
	}
	return out, nil
}

// Load builds a Config from defaults, the optional file at path, and the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fc, err := ReadFile[fileConfig](path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, fc.Config, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
		durations := []struct {
			raw string
			dst *time.Duration
		}{
			{fc.Timeout, &cfg.Timeout},
			{fc.InitialPageTTL, &cfg.InitialPageTTL},
			{fc.ResultTTL, &cfg.ResultTTL},
			{fc.LockTTL, &cfg.LockTTL},
			{fc.WaitTimeout, &cfg.WaitTimeout},
			{fc.DirectoryTTL, &cfg.DirectoryTTL},
		}
		for _, d := range durations {
			if d.raw == "" {
				continue
			}
			parsed, err := time.ParseDuration(d.raw)
			if err != nil {
				return nil, fmt.Errorf("parse duration %q: %w", d.raw, err)
			}
			*d.dst = parsed
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
