// Package config loads semgrep-hub settings from defaults, an optional yaml file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/securecodehub/semgrep-hub/internal/archive"
	"github.com/securecodehub/semgrep-hub/internal/log"
	"github.com/securecodehub/semgrep-hub/internal/sql"
)

// EnvPrefix prefixes every environment override, e.g. SEMGREP_HUB_DATABASE_TYPE.
const EnvPrefix = "SEMGREP_HUB"

// ConfigName is the file looked up in the working directory when no explicit path is given.
const ConfigName = "semgrep-hub"

// AnalyzerConfig controls the semgrep invocation.
type AnalyzerConfig struct {
	Binary string `mapstructure:"binary"`
	// Timeout is the per-rule budget passed to semgrep --timeout, in seconds.
	Timeout        int           `mapstructure:"timeout"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	RegistryToken  string        `mapstructure:"registry_token"`
	MinVersion     string        `mapstructure:"min_version"`
}

// ServerConfig controls `semgrep-hub serve`.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	PprofAddr         string        `mapstructure:"pprof_addr"`
	AnalyzeRate       float64       `mapstructure:"analyze_rate"`
	AnalyzeBurst      int           `mapstructure:"analyze_burst"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// Config is the whole application configuration.
type Config struct {
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Database sql.Config     `mapstructure:"database"`
	Logger   log.Config     `mapstructure:"logger"`
	Archive  archive.Config `mapstructure:"archive"`
	Server   ServerConfig   `mapstructure:"server"`
}

// SetDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	// -- Analyzer --
	v.SetDefault("analyzer.binary", "semgrep")
	v.SetDefault("analyzer.timeout", 180)
	v.SetDefault("analyzer.process_timeout", "15m")
	v.SetDefault("analyzer.registry_token", "")
	v.SetDefault("analyzer.min_version", "1.50.0")

	// -- Database --
	v.SetDefault("database.type", sql.TypeSQLite)
	v.SetDefault("database.path", "semgrep-hub.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.instance", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.debug", false)

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Archive --
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.bucket", "semgrep-hub")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.use_ssl", true)

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.pprof_addr", "")
	v.SetDefault("server.analyze_rate", 0.5)
	v.SetDefault("server.analyze_burst", 2)
	v.SetDefault("server.max_upload_bytes", 64<<20)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")
}

// LoadDotEnv reads .env.local then .env. Variables already set in the process win.
func LoadDotEnv() {
	_ = godotenv.Load(".env.local") //nolint:errcheck
	_ = godotenv.Load(".env")       //nolint:errcheck
}

// New returns a viper instance with defaults, environment binding and the config file location set.
// path may be empty, in which case ./semgrep-hub.yaml is used when present.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// semgrep's own variable is honoured for the registry token.
	_ = v.BindEnv("analyzer.registry_token", EnvPrefix+"_ANALYZER_REGISTRY_TOKEN", "SEMGREP_APP_TOKEN") //nolint:errcheck
	return v
}

// Load reads the config file (if any) and returns the validated configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper unmarshals and validates v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Analyzer.Binary == "" {
		return fmt.Errorf("analyzer.binary is required")
	}
	if c.Analyzer.Timeout <= 0 {
		return fmt.Errorf("analyzer.timeout must be a positive number of seconds")
	}
	if c.Analyzer.ProcessTimeout <= 0 {
		return fmt.Errorf("analyzer.process_timeout must be a positive duration")
	}
	switch c.Database.Type {
	case sql.TypeSQLite, sql.TypePostgres, sql.TypeCloudSQL:
	default:
		return fmt.Errorf("database.type must be one of %s, %s, %s", sql.TypeSQLite, sql.TypePostgres, sql.TypeCloudSQL)
	}
	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format must be json or console")
	}
	if c.Archive.Enabled() && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.endpoint is set")
	}
	if c.Server.AnalyzeRate <= 0 || c.Server.AnalyzeBurst <= 0 {
		return fmt.Errorf("server.analyze_rate and server.analyze_burst must be positive")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	return nil
}
