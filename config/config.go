// Package config loads engine configuration from a TOML file with
// environment variable overrides under the JOBENGINE_ prefix.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sangamhq/jobengine/errors"
)

// Config is the full engine configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type SchedulerConfig struct {
	PollIntervalSeconds int     `mapstructure:"poll_interval_seconds"`
	BatchLimit          int     `mapstructure:"batch_limit"`
	MaxConcurrent       int64   `mapstructure:"max_concurrent"`
	DispatchPerSecond   float64 `mapstructure:"dispatch_per_second"`
}

// PollInterval returns the poll period as a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

type StorageConfig struct {
	ExportDir string `mapstructure:"export_dir"`
	BackupDir string `mapstructure:"backup_dir"`
}

type RetentionConfig struct {
	ExecutionDays int `mapstructure:"execution_days"`
}

type LoggingConfig struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "jobengine.db")
	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("scheduler.poll_interval_seconds", 30)
	v.SetDefault("scheduler.batch_limit", 50)
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.dispatch_per_second", 0)
	v.SetDefault("storage.export_dir", "exports")
	v.SetDefault("storage.backup_dir", "backups")
	v.SetDefault("retention.execution_days", 90)
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.debug", false)
}

// Load reads configuration. An empty path searches the working directory
// for jobengine.toml; a missing file is fine, defaults and environment
// still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("JOBENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("jobengine")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
