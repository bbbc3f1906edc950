package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the service looks for its config file.
const DefaultPath = "/etc/staycal/config.yaml"

// LogConfig selects level and encoder of the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// DatabaseConfig points at Postgres. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL            string `yaml:"url" env:"DATABASE_URL"`
	MaxConnections int32  `yaml:"max_connections" env:"DATABASE_MAX_CONNECTIONS"`
}

// RedisConfig enables the shared sync lease when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// SyncConfig drives the feed sync cycle.
type SyncConfig struct {
	// Cron is a standard 5-field schedule, e.g. "*/15 * * * *".
	Cron           string `yaml:"cron" env:"SYNC_CRON"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	HorizonDays    int    `yaml:"horizon_days"`
	LookbackDays   int    `yaml:"lookback_days"`
	Parallelism    int    `yaml:"parallelism"`
}

// IngestConfig drives mailbox ingestion.
type IngestConfig struct {
	Cron          string  `yaml:"cron" env:"INGEST_CRON"`
	MaxPages      int     `yaml:"max_pages"`
	Concurrency   int     `yaml:"concurrency"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	// GmailToken is the fallback access token for connections without
	// their own. It never goes to disk.
	GmailToken string `yaml:"-" env:"GMAIL_ACCESS_TOKEN"`
}

// PropertyConfig declares a rentable unit and its cleaning policy.
type PropertyConfig struct {
	Key              string `yaml:"key" validate:"required"`
	Name             string `yaml:"name"`
	CleaningPreDays  int    `yaml:"cleaning_pre_days" validate:"min=0,max=30"`
	CleaningPostDays int    `yaml:"cleaning_post_days" validate:"min=0,max=30"`
}

// FeedConfig declares an iCal subscription for one property.
type FeedConfig struct {
	Key      string `yaml:"key" validate:"required"`
	Property string `yaml:"property" validate:"required"`
	URL      string `yaml:"url" validate:"required,url"`
	Label    string `yaml:"label"`
	// Type is the provider (airbnb, vrbo, booking, hostaway, other).
	Type     string `yaml:"type" validate:"omitempty,oneof=airbnb vrbo booking hostaway other"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// ConnectionConfig declares a labeled mailbox feeding a workspace.
type ConnectionConfig struct {
	Key        string   `yaml:"key" validate:"required"`
	Label      string   `yaml:"label"`
	Color      string   `yaml:"color,omitempty" validate:"omitempty,hexcolor"`
	Properties []string `yaml:"properties"`
	Token      string   `yaml:"token,omitempty"`
	Disabled   bool     `yaml:"disabled,omitempty"`
}

// WorkspaceConfig groups properties, feeds and mailboxes of one operator.
type WorkspaceConfig struct {
	Key         string             `yaml:"key" validate:"required"`
	Name        string             `yaml:"name"`
	Properties  []PropertyConfig   `yaml:"properties" validate:"dive"`
	Feeds       []FeedConfig       `yaml:"feeds" validate:"dive"`
	Connections []ConnectionConfig `yaml:"connections" validate:"dive"`
}

// GrantConfig is a user's permission set in one workspace. An empty
// Properties list grants the whole workspace.
type GrantConfig struct {
	Workspace  string   `yaml:"workspace" validate:"required"`
	Properties []string `yaml:"properties,omitempty"`
	GuestName  bool     `yaml:"guest_name"`
	GuestCount bool     `yaml:"guest_count"`
	Notes      bool     `yaml:"notes"`
}

// UserConfig is an API user authenticated with HTTP Basic Auth. Either a
// plain password or a bcrypt hash is required; the hash wins.
type UserConfig struct {
	Username     string        `yaml:"username" validate:"required"`
	Password     string        `yaml:"password,omitempty" validate:"required_without=PasswordHash"`
	PasswordHash string        `yaml:"password_hash,omitempty"`
	Grants       []GrantConfig `yaml:"grants" validate:"dive"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" env:"STAYCAL_LISTEN"`

	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sync     SyncConfig     `yaml:"sync"`
	Ingest   IngestConfig   `yaml:"ingest"`

	Workspaces []WorkspaceConfig `yaml:"workspaces" validate:"dive"`
	Users      []UserConfig      `yaml:"users" validate:"dive"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so partially-filled
// files still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Sync.Cron == "" {
		c.Sync.Cron = "*/15 * * * *"
	}
	if c.Sync.TimeoutSeconds <= 0 {
		c.Sync.TimeoutSeconds = 20
	}
	if c.Sync.HorizonDays <= 0 {
		c.Sync.HorizonDays = 365
	}
	if c.Sync.LookbackDays <= 0 {
		c.Sync.LookbackDays = 30
	}
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = 4
	}
	if c.Ingest.Cron == "" {
		c.Ingest.Cron = "*/10 * * * *"
	}
	if c.Ingest.MaxPages <= 0 {
		c.Ingest.MaxPages = 20
	}
	if c.Ingest.Concurrency <= 0 {
		c.Ingest.Concurrency = 4
	}
	if c.Ingest.RatePerSecond <= 0 {
		c.Ingest.RatePerSecond = 5
	}
	if c.Ingest.Burst <= 0 {
		c.Ingest.Burst = 5
	}
	if c.Workspaces == nil {
		c.Workspaces = []WorkspaceConfig{}
	}
	if c.Users == nil {
		c.Users = []UserConfig{}
	}
	for i := range c.Workspaces {
		ws := &c.Workspaces[i]
		for j := range ws.Feeds {
			f := &ws.Feeds[j]
			f.Type = strings.ToLower(strings.TrimSpace(f.Type))
			if f.Type == "" {
				f.Type = "other"
			}
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects configurations the service must not start with: field
// formats first, then keys and cross references.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			add("%s: failed %q check", fe.Namespace(), fe.Tag())
		}
	}

	if _, err := cron.ParseStandard(c.Sync.Cron); err != nil {
		add("sync.cron %q: %w", c.Sync.Cron, err)
	}
	if _, err := cron.ParseStandard(c.Ingest.Cron); err != nil {
		add("ingest.cron %q: %w", c.Ingest.Cron, err)
	}

	workspaces := map[string]map[string]bool{}
	for _, ws := range c.Workspaces {
		if _, dup := workspaces[ws.Key]; dup {
			add("duplicate workspace key %q", ws.Key)
			continue
		}
		props := map[string]bool{}
		workspaces[ws.Key] = props

		for _, p := range ws.Properties {
			if props[p.Key] {
				add("workspace %q: duplicate property key %q", ws.Key, p.Key)
			}
			props[p.Key] = true
		}

		feeds := map[string]bool{}
		for _, f := range ws.Feeds {
			switch {
			case feeds[f.Key]:
				add("workspace %q: duplicate feed key %q", ws.Key, f.Key)
			case !props[f.Property]:
				add("workspace %q: feed %q: unknown property %q", ws.Key, f.Key, f.Property)
			}
			feeds[f.Key] = true
		}

		conns := map[string]bool{}
		for _, mc := range ws.Connections {
			switch {
			case conns[mc.Key]:
				add("workspace %q: duplicate connection key %q", ws.Key, mc.Key)
			case strings.TrimSpace(mc.Label) == "":
				add("workspace %q: connection %q: label is empty", ws.Key, mc.Key)
			}
			conns[mc.Key] = true
			for _, p := range mc.Properties {
				if !props[p] {
					add("workspace %q: connection %q: unknown property %q", ws.Key, mc.Key, p)
				}
			}
		}
	}

	users := map[string]bool{}
	for _, u := range c.Users {
		if users[u.Username] {
			add("duplicate user %q", u.Username)
		}
		users[u.Username] = true
		for _, g := range u.Grants {
			props, ok := workspaces[g.Workspace]
			if !ok {
				add("user %q: unknown workspace %q", u.Username, g.Workspace)
				continue
			}
			for _, p := range g.Properties {
				if !props[p] {
					add("user %q: workspace %q: unknown property %q", u.Username, g.Workspace, p)
				}
			}
		}
	}

	return errors.Join(errs...)
}

// LoadDotEnv exports the variables of a .env file that are not already set
// in the environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from the given YAML path, with environment
// variables overriding file values.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned (environment overrides still apply).
//   - Otherwise the file is read, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg := &Config{}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions. Fields tagged yaml:"-" are never written.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".staycal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
