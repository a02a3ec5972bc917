package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"
)

// StoreConfig seeds the store directory on first start.
type StoreConfig struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Adapter     string `json:"adapter"`
	BaseURL     string `json:"base_url"`
}

// Config holds service configuration.
type Config struct {
	// Extraction engine
	Timeout           time.Duration `json:"timeout"`
	TransportRetries  int           `json:"transport_retries"`
	InitialPageTTL    time.Duration `json:"initial_page_ttl"`
	UserAgent         string        `json:"user_agent"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	CloudflareBypass  bool          `json:"cloudflare_bypass"`

	// Coordination layer
	RedisAddr               string        `json:"redis_addr"`
	RedisPassword           string        `json:"redis_password"`
	RedisDB                 int           `json:"redis_db"`
	ConfigureKeyspaceEvents bool          `json:"configure_keyspace_events"`
	ResultTTL               time.Duration `json:"result_ttl"`
	LockTTL                 time.Duration `json:"lock_ttl"`
	WaitTimeout             time.Duration `json:"wait_timeout"`
	MaxStoreRetries         int           `json:"max_store_retries"`

	// Job runner
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`

	// Store directory
	DatabaseDriver string        `json:"database_driver"` // sqlite or pgx
	DatabaseDSN    string        `json:"database_dsn"`
	DirectoryTTL   time.Duration `json:"directory_ttl"`
	Stores         []StoreConfig `json:"stores"`

	// Scheduled bulk scrape
	ScheduleSpec   string   `json:"schedule_spec"`
	ScheduledItems []string `json:"scheduled_items"`

	// Servers
	ListenAddr   string `json:"listen_addr"`
	MetricsAddr  string `json:"metrics_addr"`
	OTLPEndpoint string `json:"otlp_endpoint"`

	// CLI output
	OutputFile   string `json:"output_file"`
	OutputFormat string `json:"output_format"` // table, csv, json, or dual

	Verbose bool `json:"verbose"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:                 10 * time.Second,
		TransportRetries:        1,
		InitialPageTTL:          24 * time.Hour,
		UserAgent:               "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		RequestsPerSecond:       2,
		CloudflareBypass:        false,
		RedisAddr:               "localhost:6379",
		ConfigureKeyspaceEvents: true,
		ResultTTL:               24 * time.Hour,
		LockTTL:                 5 * time.Minute,
		WaitTimeout:             60 * time.Second,
		MaxStoreRetries:         2,
		Workers:                 5,
		QueueSize:               256,
		DatabaseDriver:          "sqlite",
		DatabaseDSN:             "file:pricescout.db?_pragma=busy_timeout(5000)",
		DirectoryTTL:            5 * time.Minute,
		ScheduleSpec:            "0 4 * * *",
		ListenAddr:              ":8080",
		MetricsAddr:             "",
		OutputFile:              "output/listings.csv",
		OutputFormat:            "table",
		Verbose:                 false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.TransportRetries < 0 {
		return fmt.Errorf("transport retries cannot be negative")
	}
	if c.InitialPageTTL <= 0 {
		return fmt.Errorf("initial page ttl must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("result ttl must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}
	if c.MaxStoreRetries < 0 {
		return fmt.Errorf("max store retries cannot be negative")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "pgx" {
		return fmt.Errorf("database driver must be sqlite or pgx")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}
	if c.DirectoryTTL <= 0 {
		return fmt.Errorf("directory ttl must be positive")
	}
	for i, s := range c.Stores {
		if s.ID == "" || s.Adapter == "" {
			return fmt.Errorf("store %d: id and adapter are required", i)
		}
		parsed, err := url.Parse(s.BaseURL)
		if err != nil {
			return fmt.Errorf("store %s: invalid base URL: %w", s.ID, err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("store %s: base URL must include a host", s.ID)
		}
	}
	if c.ScheduleSpec != "" {
		if _, err := cron.ParseStandard(c.ScheduleSpec); err != nil {
			return fmt.Errorf("invalid schedule spec: %w", err)
		}
	}
	switch c.OutputFormat {
	case "table", "csv", "json", "dual":
	default:
		return fmt.Errorf("output format must be table, csv, json, or dual")
	}
	return nil
}
