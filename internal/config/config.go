// Package config loads and persists the client configuration. Values come
// from the config file, DRIVESYNC_* environment variables and command-line
// flags, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const FileName = "drivesync.toml"

// Config is the full client configuration.
type Config struct {
	// LocalRoot is the synchronized folder on disk.
	LocalRoot string `mapstructure:"local_root" toml:"local_root"`
	// ServerURL is the base URL of the remote repository API.
	ServerURL string `mapstructure:"server_url" toml:"server_url"`
	Account   string `mapstructure:"account" toml:"account"`
	// Token is the API token obtained at bind time.
	Token string `mapstructure:"token" toml:"token"`
	// EngineUID identifies this binding; it names the engine database.
	// Empty means the client is not bound to a server.
	EngineUID string `mapstructure:"engine_uid" toml:"engine_uid"`
	// DataDir holds the databases, their backups and the log file.
	DataDir string `mapstructure:"data_dir" toml:"data_dir"`

	LogFile  string `mapstructure:"log_file" toml:"log_file"`
	LogLevel string `mapstructure:"log_level" toml:"log_level"`

	// Sync tuning.
	MaxFileProcessors  int           `mapstructure:"max_file_processors" toml:"max_file_processors"`
	ErrorThreshold     int           `mapstructure:"error_threshold" toml:"error_threshold"`
	ErrorInterval      time.Duration `mapstructure:"error_interval" toml:"error_interval"`
	RemotePollInterval time.Duration `mapstructure:"remote_poll_interval" toml:"remote_poll_interval"`
	AutolockInterval   time.Duration `mapstructure:"autolock_interval" toml:"autolock_interval"`
	// MoveResolution is how long the local watcher waits to match a delete
	// event with a create event before treating them as independent.
	MoveResolution time.Duration `mapstructure:"move_resolution" toml:"move_resolution"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout" toml:"http_timeout"`

	IgnoredPrefixes []string `mapstructure:"ignored_prefixes" toml:"ignored_prefixes"`
	IgnoredSuffixes []string `mapstructure:"ignored_suffixes" toml:"ignored_suffixes"`
	IgnoredPatterns []string `mapstructure:"ignored_patterns" toml:"ignored_patterns"`
}

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		LocalRoot:          filepath.Join(home, "Drivesync"),
		DataDir:            filepath.Join(home, ".drivesync"),
		LogLevel:           "info",
		MaxFileProcessors:  5,
		ErrorThreshold:     3,
		ErrorInterval:      60 * time.Second,
		RemotePollInterval: 30 * time.Second,
		AutolockInterval:   30 * time.Second,
		MoveResolution:     2 * time.Second,
		HTTPTimeout:        60 * time.Second,
	}
}

// Load reads the configuration from dir/drivesync.toml, layered with
// environment variables. A missing file yields the defaults.
func Load(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, FileName))
	v.SetConfigType("toml")
	v.SetEnvPrefix("DRIVESYNC")
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("local_root", def.LocalRoot)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("max_file_processors", def.MaxFileProcessors)
	v.SetDefault("error_threshold", def.ErrorThreshold)
	v.SetDefault("error_interval", def.ErrorInterval)
	v.SetDefault("remote_poll_interval", def.RemotePollInterval)
	v.SetDefault("autolock_interval", def.AutolockInterval)
	v.SetDefault("move_resolution", def.MoveResolution)
	v.SetDefault("http_timeout", def.HTTPTimeout)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to dir/drivesync.toml, creating dir first.
func (c Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, FileName))
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// EngineDBPath returns the per-engine database path for a given engine uid.
func (c Config) EngineDBPath(uid string) string {
	return filepath.Join(c.DataDir, fmt.Sprintf("engine-%s.db", uid))
}

// ManagerDBPath returns the global database path.
func (c Config) ManagerDBPath() string {
	return filepath.Join(c.DataDir, "manager.db")
}
