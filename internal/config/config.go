// Package config provides configuration management for the local sandbox engine.
//
// Settings are resolved per field from an explicit override, then a
// LOCALSANDBOX_* environment variable, then a hard default. Each Load builds
// an independent snapshot; nothing is cached process-wide.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajaxzhan/localsandbox/pkg/types"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "LOCALSANDBOX"

// Setting keys.
const (
	KeyRetryAttempts     = "retry_attempts"
	KeyRetryDelay        = "retry_delay"
	KeyConnectionTimeout = "connection_timeout"
	KeyPreferRegistry    = "prefer_registry"
	KeyPushImages        = "push_images"
	KeyAutoInstall       = "auto_install"
	KeyRegistryAccount   = "registry_account"
	KeyConfigPath        = "config_path"
	KeyDockerfilesDir    = "dockerfiles_dir"
	KeyImagePrefix       = "image_prefix"
	KeyGenericImage      = "generic_image"
	KeyPoolCapacity      = "pool_capacity"
	KeyPoolTTL           = "pool_ttl"
	KeyPoolSweep         = "pool_sweep_interval"
	KeyStreamDelay       = "stream_delay"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
)

// Config is an immutable snapshot of the engine settings.
type Config struct {
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	PreferRegistry  bool   `mapstructure:"prefer_registry"`
	PushImages      bool   `mapstructure:"push_images"`
	AutoInstall     bool   `mapstructure:"auto_install"`
	RegistryAccount string `mapstructure:"registry_account"`
	ConfigPath      string `mapstructure:"config_path"`

	DockerfilesDir string `mapstructure:"dockerfiles_dir"`
	ImagePrefix    string `mapstructure:"image_prefix"`
	GenericImage   string `mapstructure:"generic_image"`

	PoolCapacity      int           `mapstructure:"pool_capacity"`
	PoolTTL           time.Duration `mapstructure:"pool_ttl"`
	PoolSweepInterval time.Duration `mapstructure:"pool_sweep_interval"`

	StreamDelay time.Duration `mapstructure:"stream_delay"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Option applies an explicit override. Overrides win over the environment.
type Option func(v *viper.Viper)

// WithOverride sets any key explicitly.
func WithOverride(key string, value any) Option {
	return func(v *viper.Viper) { v.Set(key, value) }
}

// WithRetry overrides the retry attempt count and base delay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(v *viper.Viper) {
		v.Set(KeyRetryAttempts, attempts)
		v.Set(KeyRetryDelay, delay)
	}
}

// WithRegistryAccount overrides the registry account name.
func WithRegistryAccount(account string) Option {
	return WithOverride(KeyRegistryAccount, account)
}

// WithPreferRegistry overrides whether registry images are pulled first.
func WithPreferRegistry(prefer bool) Option {
	return WithOverride(KeyPreferRegistry, prefer)
}

// WithPushImages overrides whether locally built images are pushed.
func WithPushImages(push bool) Option {
	return WithOverride(KeyPushImages, push)
}

// WithConfigPath overrides the local config file path.
func WithConfigPath(path string) Option {
	return WithOverride(KeyConfigPath, path)
}

// WithDockerfilesDir overrides where build definitions are looked up.
func WithDockerfilesDir(dir string) Option {
	return WithOverride(KeyDockerfilesDir, dir)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyRetryAttempts, 3)
	v.SetDefault(KeyRetryDelay, time.Second)
	v.SetDefault(KeyConnectionTimeout, 30*time.Second)
	v.SetDefault(KeyPreferRegistry, true)
	v.SetDefault(KeyPushImages, true)
	v.SetDefault(KeyAutoInstall, true)
	v.SetDefault(KeyRegistryAccount, "")
	v.SetDefault(KeyConfigPath, defaultConfigPath())
	v.SetDefault(KeyDockerfilesDir, "dockerfiles")
	v.SetDefault(KeyImagePrefix, "localsandbox")
	v.SetDefault(KeyGenericImage, "ubuntu:24.04")
	v.SetDefault(KeyPoolCapacity, 10)
	v.SetDefault(KeyPoolTTL, 30*time.Minute)
	v.SetDefault(KeyPoolSweep, 5*time.Minute)
	v.SetDefault(KeyStreamDelay, 50*time.Millisecond)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".localsandbox", "config.json")
	}
	return filepath.Join(home, ".localsandbox", "config.json")
}

// Load resolves the settings snapshot.
func Load(opts ...Option) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, opt := range opts {
		opt(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &types.ConfigError{Key: "*", Err: fmt.Errorf("error unmarshaling config: %w", err)}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the default settings, ignoring the environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.RetryAttempts <= 0 {
		return &types.ConfigError{Key: KeyRetryAttempts, Err: fmt.Errorf("must be positive, got %d", c.RetryAttempts)}
	}
	if c.RetryDelay < 0 {
		return &types.ConfigError{Key: KeyRetryDelay, Err: fmt.Errorf("must not be negative, got %s", c.RetryDelay)}
	}
	if c.ConnectionTimeout <= 0 {
		return &types.ConfigError{Key: KeyConnectionTimeout, Err: fmt.Errorf("must be positive, got %s", c.ConnectionTimeout)}
	}
	if c.PoolCapacity <= 0 {
		return &types.ConfigError{Key: KeyPoolCapacity, Err: fmt.Errorf("must be positive, got %d", c.PoolCapacity)}
	}
	if c.PoolTTL <= 0 {
		return &types.ConfigError{Key: KeyPoolTTL, Err: fmt.Errorf("must be positive, got %s", c.PoolTTL)}
	}
	if c.PoolSweepInterval <= 0 {
		return &types.ConfigError{Key: KeyPoolSweep, Err: fmt.Errorf("must be positive, got %s", c.PoolSweepInterval)}
	}
	if c.StreamDelay < 0 {
		return &types.ConfigError{Key: KeyStreamDelay, Err: errors.New("must not be negative")}
	}
	if strings.TrimSpace(c.GenericImage) == "" {
		return &types.ConfigError{Key: KeyGenericImage, Err: errors.New("must not be empty")}
	}
	if strings.TrimSpace(c.ImagePrefix) == "" {
		return &types.ConfigError{Key: KeyImagePrefix, Err: errors.New("must not be empty")}
	}
	return nil
}
