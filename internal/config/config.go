// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultMaxConcurrent      = 3
	DefaultReserveSpace       = "5 GiB"
	DefaultSpaceCheckInterval = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryDelay         = 2 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultProgressInterval   = 2 * time.Second
	DefaultHashTimeout        = 30 * time.Second
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig holds the library, staging and spool locations.
type StorageConfig struct {
	MoviesPath   string `mapstructure:"moviesPath"`
	TVPath       string `mapstructure:"tvPath"`
	StagingPath  string `mapstructure:"stagingPath"`
	SpoolPath    string `mapstructure:"spoolPath"`
	DatabasePath string `mapstructure:"databasePath"`
}

// SchedulerConfig holds admission and concurrency tuning.
type SchedulerConfig struct {
	MaxConcurrent      int           `mapstructure:"maxConcurrent"`
	ReserveSpace       string        `mapstructure:"reserveSpace"` // human-readable, e.g. "5 GiB"
	SpaceCheckInterval time.Duration `mapstructure:"spaceCheckInterval"`
}

// ReserveSpaceBytes returns the parsed reserve. Load validates the value,
// so parsing cannot fail after a successful Load.
func (c SchedulerConfig) ReserveSpaceBytes() uint64 {
	n, err := humanize.ParseBytes(c.ReserveSpace)
	if err != nil {
		return 0
	}
	return n
}

// TransferConfig holds retry and progress tuning for transfers.
type TransferConfig struct {
	MaxRetries        int           `mapstructure:"maxRetries"`
	RetryDelay        time.Duration `mapstructure:"retryDelay"`
	BackoffMultiplier float64       `mapstructure:"backoffMultiplier"`
	ProgressInterval  time.Duration `mapstructure:"progressInterval"`
	HashTimeout       time.Duration `mapstructure:"hashTimeout"`
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches default locations: $HOME, current directory, /config
// for files named .mediakeep.yaml, mediakeep.yaml, or config.yaml.
//
// Environment variables with prefix MEDIAKEEP_ override config file values.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
		v.SetConfigName(".mediakeep")
		v.SetConfigName("mediakeep")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("MEDIAKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("server.listen", "[::]:8423")
	v.SetDefault("storage.moviesPath", "/library/movies")
	v.SetDefault("storage.tvPath", "/library/tv")
	v.SetDefault("storage.stagingPath", "/library/.staging")
	v.SetDefault("storage.spoolPath", "/spool")
	v.SetDefault("storage.databasePath", "/config/mediakeep.db")
	v.SetDefault("scheduler.maxConcurrent", DefaultMaxConcurrent)
	v.SetDefault("scheduler.reserveSpace", DefaultReserveSpace)
	v.SetDefault("scheduler.spaceCheckInterval", "30s")
	v.SetDefault("transfer.maxRetries", DefaultMaxRetries)
	v.SetDefault("transfer.retryDelay", "2s")
	v.SetDefault("transfer.backoffMultiplier", DefaultBackoffMultiplier)
	v.SetDefault("transfer.progressInterval", "2s")
	v.SetDefault("transfer.hashTimeout", "30s")

	// Read config file (ignore error if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate checks that the configuration is valid.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}

	paths := map[string]string{
		"storage.moviesPath":   cfg.Storage.MoviesPath,
		"storage.tvPath":       cfg.Storage.TVPath,
		"storage.stagingPath":  cfg.Storage.StagingPath,
		"storage.spoolPath":    cfg.Storage.SpoolPath,
		"storage.databasePath": cfg.Storage.DatabasePath,
	}
	for key, value := range paths {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	if cfg.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf(
			"scheduler.maxConcurrent must be at least 1, got %d", cfg.Scheduler.MaxConcurrent))
	}
	if _, err := humanize.ParseBytes(cfg.Scheduler.ReserveSpace); err != nil {
		errs = append(errs, fmt.Errorf(
			"scheduler.reserveSpace: invalid size %q: %w", cfg.Scheduler.ReserveSpace, err))
	}
	if cfg.Scheduler.SpaceCheckInterval <= 0 {
		errs = append(errs, errors.New("scheduler.spaceCheckInterval must be positive"))
	}

	if cfg.Transfer.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf(
			"transfer.maxRetries must be at least 1, got %d", cfg.Transfer.MaxRetries))
	}
	if cfg.Transfer.RetryDelay <= 0 {
		errs = append(errs, errors.New("transfer.retryDelay must be positive"))
	}
	if cfg.Transfer.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf(
			"transfer.backoffMultiplier must be at least 1, got %v", cfg.Transfer.BackoffMultiplier))
	}
	if cfg.Transfer.ProgressInterval <= 0 {
		errs = append(errs, errors.New("transfer.progressInterval must be positive"))
	}
	if cfg.Transfer.HashTimeout <= 0 {
		errs = append(errs, errors.New("transfer.hashTimeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
