// Package config loads ledger configuration from a file, the environment
// and defaults, in that order of precedence (environment wins).
//
// Environment variables use the LEDGER_ prefix with dots replaced by
// underscores, e.g. LEDGER_SERVER_ADDR or LEDGER_SYNC_REMOTE.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/ledger/internal/gitsync"
	"github.com/mschirtzinger/ledger/internal/vcs"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "LEDGER"

// Collection layout under the data directory
const (
	IncomeDir    = "income"
	IncomeFile   = "revenues.json"
	ExpensesDir  = "expenses"
	ExpensesFile = "expenses.json"
	ReceiptsDir  = "receipts"
	StateDir     = ".ledger"
)

// Config is the complete ledger configuration
type Config struct {
	DataDir string        `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
	Server  ServerConfig  `mapstructure:"server" json:"server" yaml:"server"`
	Ledger  LedgerConfig  `mapstructure:"ledger" json:"ledger" yaml:"ledger"`
	Sync    SyncConfig    `mapstructure:"sync" json:"sync" yaml:"sync"`
	History HistoryConfig `mapstructure:"history" json:"history" yaml:"history"`
	Log     LogConfig     `mapstructure:"log" json:"log" yaml:"log"`

	// File is the configuration file that was read, if any
	File string `mapstructure:"-" json:"-" yaml:"-"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr        string `mapstructure:"addr" json:"addr" yaml:"addr"`
	WebDir      string `mapstructure:"web_dir" json:"web_dir" yaml:"web_dir"`
	MaxUploadMB int    `mapstructure:"max_upload_mb" json:"max_upload_mb" yaml:"max_upload_mb"`
}

// LedgerConfig configures the record stores
type LedgerConfig struct {
	StrictWrites bool `mapstructure:"strict_writes" json:"strict_writes" yaml:"strict_writes"`
}

// SyncConfig configures git synchronization
type SyncConfig struct {
	Targets        []gitsync.Target `mapstructure:"targets" json:"targets" yaml:"targets"`
	Remote         string           `mapstructure:"remote" json:"remote" yaml:"remote"`
	CommandTimeout time.Duration    `mapstructure:"command_timeout" json:"command_timeout" yaml:"command_timeout"`
	Identity       vcs.Identity     `mapstructure:"identity" json:"identity" yaml:"identity"`
	CommitPrefix   string           `mapstructure:"commit_prefix" json:"commit_prefix" yaml:"commit_prefix"`
	LockFile       string           `mapstructure:"lock_file" json:"lock_file" yaml:"lock_file"`
	Auto           bool             `mapstructure:"auto" json:"auto" yaml:"auto"`
	Debounce       time.Duration    `mapstructure:"debounce" json:"debounce" yaml:"debounce"`
}

// HistoryConfig configures the sync history database
type HistoryConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
	Keep int    `mapstructure:"keep" json:"keep" yaml:"keep"`
}

// LogConfig configures log output
type LogConfig struct {
	File       string `mapstructure:"file" json:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// NewViper returns a viper instance with defaults and environment binding
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every known key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".")

	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.web_dir", "")
	v.SetDefault("server.max_upload_mb", 10)

	v.SetDefault("ledger.strict_writes", false)

	v.SetDefault("sync.targets", []any{})
	v.SetDefault("sync.remote", "")
	v.SetDefault("sync.command_timeout", "60s")
	v.SetDefault("sync.identity.name", gitsync.DefaultIdentity.Name)
	v.SetDefault("sync.identity.email", gitsync.DefaultIdentity.Email)
	v.SetDefault("sync.commit_prefix", gitsync.DefaultCommitPrefix)
	v.SetDefault("sync.lock_file", "")
	v.SetDefault("sync.auto", false)
	v.SetDefault("sync.debounce", "5s")

	v.SetDefault("history.path", "")
	v.SetDefault("history.keep", 1000)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads configuration. An explicit file must exist; otherwise
// ledger.{yaml,toml,json} is looked up in the working directory and the
// user config directory, and its absence is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("ledger")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "ledger"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills derived defaults and makes paths absolute
func (c *Config) resolve() error {
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data_dir: %w", err)
	}
	c.DataDir = dataDir

	if len(c.Sync.Targets) == 0 {
		c.Sync.Targets = DefaultTargets()
	}
	for i := range c.Sync.Targets {
		c.Sync.Targets[i].Dir = c.under(c.Sync.Targets[i].Dir)
	}

	if c.History.Path == "" {
		c.History.Path = filepath.Join(StateDir, "history.db")
	}
	c.History.Path = c.under(c.History.Path)

	if c.Sync.LockFile == "" {
		c.Sync.LockFile = filepath.Join(StateDir, "sync.lock")
	}
	c.Sync.LockFile = c.under(c.Sync.LockFile)

	if c.Server.WebDir != "" {
		c.Server.WebDir = c.under(c.Server.WebDir)
	}
	return nil
}

// under makes a relative path relative to the data directory
func (c *Config) under(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be positive (got %d)", c.Server.MaxUploadMB)
	}
	if c.Sync.CommandTimeout <= 0 {
		return fmt.Errorf("sync.command_timeout must be positive (got %s)", c.Sync.CommandTimeout)
	}
	if c.Sync.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive (got %s)", c.Sync.Debounce)
	}
	if !c.Sync.Identity.IsComplete() {
		return fmt.Errorf("sync.identity requires name and email")
	}

	seen := make(map[string]bool)
	for i, t := range c.Sync.Targets {
		if t.Dir == "" {
			return fmt.Errorf("sync.targets[%d]: dir must not be empty", i)
		}
		if seen[t.Name()] {
			return fmt.Errorf("sync.targets[%d]: duplicate label %q", i, t.Name())
		}
		seen[t.Name()] = true
	}
	return nil
}

// DefaultTargets publishes each collection directory on its own
func DefaultTargets() []gitsync.Target {
	return []gitsync.Target{
		{Label: IncomeDir, Dir: IncomeDir},
		{Label: ExpensesDir, Dir: ExpensesDir},
	}
}

// IncomePath is the income collection document
func (c *Config) IncomePath() string {
	return filepath.Join(c.DataDir, IncomeDir, IncomeFile)
}

// ExpensesPath is the expenses collection document
func (c *Config) ExpensesPath() string {
	return filepath.Join(c.DataDir, ExpensesDir, ExpensesFile)
}

// ReceiptsPath is the directory holding uploaded receipts
func (c *Config) ReceiptsPath() string {
	return filepath.Join(c.DataDir, ExpensesDir, ReceiptsDir)
}

// MaxUploadBytes is the upload limit in bytes
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// WriteDefaultTOML writes a TOML file holding every default
func WriteDefaultTOML(w io.Writer) error {
	v := viper.New()
	SetDefaults(v)

	settings := v.AllSettings()
	if syncSettings, ok := settings["sync"].(map[string]any); ok {
		targets := make([]map[string]string, 0, 2)
		for _, t := range DefaultTargets() {
			targets = append(targets, map[string]string{"label": t.Label, "dir": t.Dir})
		}
		syncSettings["targets"] = targets
	}

	if err := toml.NewEncoder(w).Encode(settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
