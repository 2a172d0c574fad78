// Package config loads clipper configuration from defaults, an optional YAML
// file, CLIPPER_* environment variables and bound command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultStageTimeout    = 30 * time.Minute
	defaultKillGrace       = 5 * time.Second
	defaultMaxConcurrent   = 2
	defaultOrphanMaxAge    = 6 * time.Hour
	defaultSweepSchedule   = "0 */15 * * * *"
	defaultMinFreeBytes    = 512 << 20
	defaultFetchTimeout    = 10 * time.Minute
	defaultWatermarkRatio  = 0.18
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Source    SourceConfig    `mapstructure:"source"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Narration NarrationConfig `mapstructure:"narration"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the job store. Driver "memory" keeps jobs in process only.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	LogLevel        string        `mapstructure:"log_level"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type StorageConfig struct {
	BaseDir       string        `mapstructure:"base_dir"`
	TempDir       string        `mapstructure:"temp_dir"`
	OutputDir     string        `mapstructure:"output_dir"`
	MinFreeBytes  uint64        `mapstructure:"min_free_bytes"`
	OrphanMaxAge  time.Duration `mapstructure:"orphan_max_age"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

// SourceConfig selects how source references are resolved: "library" reads a
// local directory tree, "http" downloads from an allow-listed server.
type SourceConfig struct {
	Kind         string        `mapstructure:"kind"`
	LibraryDir   string        `mapstructure:"library_dir"`
	BaseURL      string        `mapstructure:"base_url"`
	AllowedHosts []string      `mapstructure:"allowed_hosts"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type AssetsConfig struct {
	WatermarkDir   string  `mapstructure:"watermark_dir"`
	WatermarkRatio float64 `mapstructure:"watermark_ratio"`
	FillerDir      string  `mapstructure:"filler_dir"`
}

type FFmpegConfig struct {
	BinaryPath   string        `mapstructure:"binary_path"`
	ProbePath    string        `mapstructure:"probe_path"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	KillGrace    time.Duration `mapstructure:"kill_grace"`
}

type NarrationConfig struct {
	Binary string `mapstructure:"binary"`
	Voice  string `mapstructure:"voice"`
}

type JobsConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. Environment variables take precedence over the
// file and use the CLIPPER_ prefix with underscores for nesting, for example
// CLIPPER_SERVER_PORT=9090. Flags listed in bindings override both.
func Load(configPath string, flags *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("clipper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/clipper")
		v.AddConfigPath("$HOME/.clipper")
	}

	v.SetEnvPrefix("CLIPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range bindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.temp_dir", "tmp")
	v.SetDefault("storage.output_dir", "output")
	v.SetDefault("storage.min_free_bytes", defaultMinFreeBytes)
	v.SetDefault("storage.orphan_max_age", defaultOrphanMaxAge)
	v.SetDefault("storage.sweep_schedule", defaultSweepSchedule)

	v.SetDefault("source.kind", "library")
	v.SetDefault("source.library_dir", "./library")
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.allowed_hosts", []string{})
	v.SetDefault("source.timeout", defaultFetchTimeout)

	v.SetDefault("assets.watermark_dir", "")
	v.SetDefault("assets.watermark_ratio", defaultWatermarkRatio)
	v.SetDefault("assets.filler_dir", "")

	v.SetDefault("ffmpeg.binary_path", "ffmpeg")
	v.SetDefault("ffmpeg.probe_path", "ffprobe")
	v.SetDefault("ffmpeg.stage_timeout", defaultStageTimeout)
	v.SetDefault("ffmpeg.kill_grace", defaultKillGrace)

	v.SetDefault("narration.binary", "espeak-ng")
	v.SetDefault("narration.voice", "en")

	v.SetDefault("jobs.max_concurrent", defaultMaxConcurrent)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"memory": true, "sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: memory, sqlite, postgres, mysql")
	}
	if (c.Database.Driver == "postgres" || c.Database.Driver == "mysql") && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.SweepSchedule != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Storage.SweepSchedule); err != nil {
			return fmt.Errorf("storage.sweep_schedule: %w", err)
		}
	}

	switch c.Source.Kind {
	case "library":
		if c.Source.LibraryDir == "" {
			return fmt.Errorf("source.library_dir is required for library sources")
		}
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url is required for http sources")
		}
	default:
		return fmt.Errorf("source.kind must be one of: library, http")
	}

	if c.Assets.WatermarkRatio <= 0 || c.Assets.WatermarkRatio > 1 {
		return fmt.Errorf("assets.watermark_ratio must be in (0, 1]")
	}
	if c.FFmpeg.StageTimeout <= 0 {
		return fmt.Errorf("ffmpeg.stage_timeout must be positive")
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("jobs.max_concurrent must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, console")
	}
	return nil
}

func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *StorageConfig) TempPath() string { return c.resolve(c.TempDir) }

func (c *StorageConfig) OutputPath() string { return c.resolve(c.OutputDir) }

func (c *StorageConfig) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.BaseDir, dir)
}

// SQLitePath returns the sqlite database file, defaulting to {base_dir}/clipper.db.
func (c *Config) SQLitePath() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.Storage.BaseDir, "clipper.db")
}
