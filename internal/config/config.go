package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/campus-sync/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for campus-sync.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// StatePath is the bbolt database file. Defaults to
	// ~/.campus-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// PrincipalsFile is the YAML keyring of API key hashes.
	PrincipalsFile string `env:"PRINCIPALS_FILE"`

	// AllowedOrigins lists the origins allowed to open WebSocket
	// connections. Empty means same origin only.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"1048576"`

	// Live connections.
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"90s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`

	// Offline cache.
	OfflineCacheTTL      time.Duration `env:"OFFLINE_CACHE_TTL" envDefault:"24h"`
	OfflineSweepInterval time.Duration `env:"OFFLINE_SWEEP_INTERVAL" envDefault:"10m"`

	// NotifySchedulerInterval drives scheduled notifications and messages.
	NotifySchedulerInterval time.Duration `env:"NOTIFY_SCHEDULER_INTERVAL" envDefault:"30s"`

	// Sync retry advice and stuck-record detection.
	RetryBaseDelay       time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMaxDelay        time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`
	StuckProcessingAfter time.Duration `env:"STUCK_PROCESSING_AFTER" envDefault:"10m"`

	// EnableMCP mounts the operator MCP endpoint at /mcp.
	EnableMCP bool `env:"ENABLE_MCP" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	for _, p := range []*string{&cfg.StatePath, &cfg.PrincipalsFile} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	origins := cfg.AllowedOrigins[:0]
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	cfg.AllowedOrigins = origins

	return cfg, nil
}

func (c *Config) validate() error {
	if c.PrincipalsFile == "" {
		return fmt.Errorf("PRINCIPALS_FILE is required")
	}

	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}

	for name, d := range map[string]time.Duration{
		"SEND_TIMEOUT":              c.SendTimeout,
		"HEARTBEAT_TIMEOUT":         c.HeartbeatTimeout,
		"SWEEP_INTERVAL":            c.SweepInterval,
		"OFFLINE_CACHE_TTL":         c.OfflineCacheTTL,
		"OFFLINE_SWEEP_INTERVAL":    c.OfflineSweepInterval,
		"NOTIFY_SCHEDULER_INTERVAL": c.NotifySchedulerInterval,
		"RETRY_BASE_DELAY":          c.RetryBaseDelay,
		"RETRY_MAX_DELAY":           c.RetryMaxDelay,
		"STUCK_PROCESSING_AFTER":    c.StuckProcessingAfter,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.RetryBaseDelay > c.RetryMaxDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must not exceed RETRY_MAX_DELAY")
	}

	if c.SweepInterval > c.HeartbeatTimeout {
		return fmt.Errorf("SWEEP_INTERVAL must not exceed HEARTBEAT_TIMEOUT")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
