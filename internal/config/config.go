// Package config loads service settings from a YAML file, an optional .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		GinMode         string        `yaml:"gin_mode"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
		MaxImagePixels  int64         `yaml:"max_image_pixels"`
	} `yaml:"server"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Model struct {
		Path          string `yaml:"path"`
		MetadataPath  string `yaml:"metadata_path"`
		SharedLibrary string `yaml:"onnxruntime_lib"`
	} `yaml:"model"`

	Database struct {
		Driver          string        `yaml:"driver"`
		DSN             string        `yaml:"dsn"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		Namespace string `yaml:"namespace"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		JWTAudience string `yaml:"jwt_audience"`
	} `yaml:"auth"`
}

// Default returns the configuration used when no file or variables are set.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "5000"
	cfg.Server.GinMode = "release"
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.MaxUploadBytes = 10 << 20
	cfg.Server.MaxImagePixels = 89_478_485
	cfg.GRPC.Addr = ":9090"
	cfg.Log.Level = "info"
	cfg.Model.Path = "models/tyre_model.onnx"
	cfg.Model.MetadataPath = "models/tyre_model.json"
	cfg.Redis.Namespace = "tyre-check"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "tyre_check.db"
	cfg.Database.MaxIdleConns = 5
	cfg.Database.MaxOpenConns = 10
	cfg.Database.ConnMaxLifetime = time.Hour
	return cfg
}

// Load reads .env (if present), then the YAML file at path (if present),
// then applies environment overrides. An empty path falls back to
// $CONFIG_PATH and then config.yaml.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		path = getEnv("CONFIG_PATH", "config.yaml")
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.GinMode = getEnv("GIN_MODE", c.Server.GinMode)
	c.GRPC.Addr = getEnv("GRPC_ADDR", c.GRPC.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.MetadataPath = getEnv("MODEL_METADATA_PATH", c.Model.MetadataPath)
	c.Model.SharedLibrary = getEnv("ONNXRUNTIME_LIB", c.Model.SharedLibrary)
	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = getEnv("JWT_AUDIENCE", c.Auth.JWTAudience)

	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_UPLOAD_BYTES %q", v)
		}
		c.Server.MaxUploadBytes = n
	}
	if v := os.Getenv("MAX_IMAGE_PIXELS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_IMAGE_PIXELS %q", v)
		}
		c.Server.MaxImagePixels = n
	}
	return nil
}

// HistoryEnabled reports whether prediction history should be persisted.
func (c *Config) HistoryEnabled() bool {
	return c.Database.Driver != "none"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
