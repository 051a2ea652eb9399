package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

type Config struct {
	Env         string            `yaml:"env" env:"ENV" env-default:"local"`
	Storage     StorageConfig     `yaml:"storage"`
	AuthService AuthServiceConfig `yaml:"auth_service"`
	Session     SessionConfig     `yaml:"session"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	Path   string `yaml:"path" env:"STORAGE_PATH" env-default:"./storage/session.db"`
	// EncryptionKey enables at-rest encryption of stored secrets when set.
	EncryptionKey string `yaml:"encryption_key" env:"STORAGE_ENCRYPTION_KEY"`
}

type AuthServiceConfig struct {
	BaseURL string        `yaml:"base_url" env:"AUTH_SERVICE_URL" env-required:"true"`
	Timeout time.Duration `yaml:"timeout" env:"AUTH_SERVICE_TIMEOUT" env-default:"10s"`
}

type SessionConfig struct {
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env-default:"15s"`
	ExpirySkew     time.Duration `yaml:"expiry_skew" env-default:"30s"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"METRICS_ADDR" env-default:"localhost:9464"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	return cfg
}

// Load reads the YAML file at path. Variables from a .env file in the working
// directory are exported first, so they override the file like any other
// environment variable.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case StorageSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.AuthService.Timeout <= 0 {
		return errors.New("auth_service.timeout must be positive")
	}

	return nil
}

// fetchConfigPath fetches config path from command line flag or environment variable.
// Priority: flag > env > default.
// Default value is empty string.
func fetchConfigPath() string {
	var res string

	if !flag.Parsed() { // Check if flag has been parsed
		flag.StringVar(&res, "config", "", "path to config file")
	}
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
