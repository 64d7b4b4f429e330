package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for confsync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Directory holding state.db (dumps, jobs, cursors) and convo.db
	// (local conversation store). Defaults to ~/.confsync.
	DataDir string `env:"CONFSYNC_DATA_DIR"`

	// Hex-encoded 32-byte account seed. When empty the seed persisted in
	// state.db is used, and a new one is generated on first run.
	SeedHex string `env:"CONFSYNC_SEED_HEX"`

	// Storage node endpoint. http(s) uses one JSON-RPC POST per batch,
	// ws(s) keeps a persistent connection.
	SwarmNodeURL           string  `env:"SWARM_NODE_URL" envDefault:"https://127.0.0.1:22021"`
	SwarmRequestsPerSecond float64 `env:"SWARM_REQUESTS_PER_SECOND" envDefault:"10"`

	// Sync job scheduling.
	SettleDelay   time.Duration `env:"SYNC_SETTLE_DELAY" envDefault:"1s"`
	MinSpacing    time.Duration `env:"SYNC_MIN_SPACING" envDefault:"15s"`
	RetryDelay    time.Duration `env:"SYNC_RETRY_DELAY" envDefault:"15s"`
	MaxAttempts   int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"2"`
	JobTimeout    time.Duration `env:"SYNC_JOB_TIMEOUT" envDefault:"20s"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	InviteTimeout time.Duration `env:"INVITE_POLL_TIMEOUT" envDefault:"10s"`
	ConfigTTL     time.Duration `env:"CONFIG_TTL" envDefault:"720h"`

	// DebugDumps logs a diff of each wrapper's state around every merge.
	DebugDumps bool `env:"DEBUG_DUMPS" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The seed may live there.
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

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SeedHex != "" {
		seed, err := hex.DecodeString(c.SeedHex)
		if err != nil {
			return fmt.Errorf("CONFSYNC_SEED_HEX is not valid hex")
		}

		if len(seed) != 32 {
			return fmt.Errorf("CONFSYNC_SEED_HEX must be 32 bytes, got %d", len(seed))
		}
	}

	u, err := url.Parse(c.SwarmNodeURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("SWARM_NODE_URL %q is not a valid URL", c.SwarmNodeURL)
	}

	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("SWARM_NODE_URL scheme must be http, https, ws or wss, got %q", u.Scheme)
	}

	if c.SwarmRequestsPerSecond <= 0 {
		return fmt.Errorf("SWARM_REQUESTS_PER_SECOND must be positive")
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}

	for name, d := range map[string]time.Duration{
		"SYNC_SETTLE_DELAY":   c.SettleDelay,
		"SYNC_MIN_SPACING":    c.MinSpacing,
		"SYNC_RETRY_DELAY":    c.RetryDelay,
		"SYNC_JOB_TIMEOUT":    c.JobTimeout,
		"POLL_INTERVAL":       c.PollInterval,
		"INVITE_POLL_TIMEOUT": c.InviteTimeout,
		"CONFIG_TTL":          c.ConfigTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// DefaultDataDir returns ~/.confsync.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".confsync"), nil
}

// StatePath is the bbolt database holding dumps, jobs and cursors.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// ConvoStorePath is the sqlite database holding conversations.
func (c *Config) ConvoStorePath() string {
	return filepath.Join(c.DataDir, "convo.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// UsesWebSocket reports whether the swarm endpoint is a websocket URL.
func (c *Config) UsesWebSocket() bool {
	u, err := url.Parse(c.SwarmNodeURL)
	if err != nil {
		return false
	}

	return u.Scheme == "ws" || u.Scheme == "wss"
}
