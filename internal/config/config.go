// Package config loads application configuration from an optional
// config.yaml plus MDM_-prefixed environment variables, and initializes the
// global logger.
package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Upload    UploadConfig    `yaml:"upload" mapstructure:"upload"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Bootstrap BootstrapConfig `yaml:"bootstrap" mapstructure:"bootstrap"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	// Driver selects the backend: "sqlite" or "postgres".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port      int     `yaml:"port" mapstructure:"port"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// UploadConfig configures bulk file ingestion.
type UploadConfig struct {
	ChunkSize int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	Encoding  string `yaml:"encoding" mapstructure:"encoding"`
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
	TempDir   string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// BootstrapConfig holds the initial admin account, normally supplied via
// MDM_BOOTSTRAP_ADMIN_USERNAME / _EMAIL / _PASSWORD.
type BootstrapConfig struct {
	AdminUsername string `yaml:"admin_username" mapstructure:"admin_username"`
	AdminEmail    string `yaml:"admin_email" mapstructure:"admin_email"`
	AdminPassword string `yaml:"admin_password" mapstructure:"admin_password"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MDM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "masterdata.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 50)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("upload.chunk_size", 10000)
	v.SetDefault("upload.encoding", "utf-8")
	v.SetDefault("upload.delimiter", ",")
	v.SetDefault("upload.temp_dir", os.TempDir())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("bootstrap.admin_username", "")
	v.SetDefault("bootstrap.admin_email", "")
	v.SetDefault("bootstrap.admin_password", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Delim returns the configured CSV delimiter as a rune, defaulting to ','.
func (c UploadConfig) Delim() rune {
	if c.Delimiter == "" {
		return ','
	}
	return []rune(c.Delimiter)[0]
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
