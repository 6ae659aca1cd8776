package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/notestore"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all environment-based configuration for notesync.
type Config struct {
	// Service flags. At least one of hub or editor must be true.
	EnableHub    bool `env:"ENABLE_HUB" envDefault:"false"`
	EnableEditor bool `env:"ENABLE_EDITOR" envDefault:"true"`
	EnableMCP    bool `env:"ENABLE_MCP" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// LogLevel overrides the environment's default level.
	LogLevel string `env:"LOG_LEVEL"`

	// Hub settings. The database also backs a local editor when
	// HUB_URL is empty.
	HubListenAddr string `env:"HUB_LISTEN_ADDR" envDefault:":8091"`
	HubDBPath     string `env:"HUB_DB_PATH"`
	HubUsers      string `env:"HUB_USERS"`
	HubAPIKeys    string `env:"HUB_API_KEYS"`

	// Remote hub for the editor. Empty means use the local database.
	HubURL    string `env:"HUB_URL"`
	HubAPIKey string `env:"HUB_API_KEY"`

	// Editor settings.
	Collection    string        `env:"COLLECTION" envDefault:"notes"`
	Debounce      time.Duration `env:"DEBOUNCE" envDefault:"500ms"`
	FlushOnSwitch bool          `env:"FLUSH_ON_SWITCH" envDefault:"true"`
	MirrorFile    string        `env:"MIRROR_FILE"`

	// MCP server settings. Authenticated with the hub credentials.
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
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

	if cfg.UsesLocalStore() && cfg.HubDBPath == "" {
		p, err := notestore.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.HubDBPath = p
	}

	if cfg.MirrorFile != "" {
		abs, err := filepath.Abs(cfg.MirrorFile)
		if err != nil {
			return nil, fmt.Errorf("resolving mirror file to absolute path: %w", err)
		}

		cfg.MirrorFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableHub && !c.EnableEditor {
		return fmt.Errorf("at least one of ENABLE_HUB or ENABLE_EDITOR must be true")
	}

	if c.EnableMCP && !c.EnableEditor {
		return fmt.Errorf("ENABLE_MCP requires ENABLE_EDITOR")
	}

	if c.MirrorFile != "" && !c.EnableEditor {
		return fmt.Errorf("MIRROR_FILE requires ENABLE_EDITOR")
	}

	if (c.EnableHub || c.EnableMCP) && c.HubUsers == "" && c.HubAPIKeys == "" {
		return fmt.Errorf("at least one auth method required when the hub or MCP is enabled: HUB_USERS or HUB_API_KEYS")
	}

	if c.HubURL != "" {
		if c.EnableHub {
			return fmt.Errorf("HUB_URL cannot be set when ENABLE_HUB is true")
		}

		if !strings.HasPrefix(c.HubURL, "ws://") && !strings.HasPrefix(c.HubURL, "wss://") {
			return fmt.Errorf("HUB_URL must start with ws:// or wss://")
		}

		if c.HubAPIKey == "" {
			return fmt.Errorf("HUB_API_KEY is required when HUB_URL is set")
		}

		if err := auth.ValidateKeyFormat(c.HubAPIKey); err != nil {
			return fmt.Errorf("HUB_API_KEY: %w", err)
		}
	}

	if c.EnableEditor {
		if c.Collection == "" {
			return fmt.Errorf("COLLECTION must not be empty")
		}

		if c.Debounce <= 0 {
			return fmt.Errorf("DEBOUNCE must be positive, got %s", c.Debounce)
		}
	}

	return nil
}

// UsesLocalStore reports whether this process opens the bbolt database.
func (c *Config) UsesLocalStore() bool {
	return c.EnableHub || c.HubURL == ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from HUB_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseHubAPIKeys parses the HUB_API_KEYS string.
// Format: "user1:ns_key1,user2:ns_key2"
func (c *Config) ParseHubAPIKeys() ([]APIKeyEntry, error) {
	if c.HubAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.HubAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if err := auth.ValidateKeyFormat(key); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries)+1, err)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in HUB_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}

// ParseHubUsers parses the HUB_USERS string into a UserCredentials map.
// Format: "user1:bcrypt-hash1,user2:bcrypt-hash2". Hashes come from the
// hash-password subcommand.
func (c *Config) ParseHubUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.HubUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.HubUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or password hash in entry %d", len(users)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash (use hash-password)", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in HUB_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
