// Package config содержит логику чтения конфигурации сервиса слотов доставки.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Режимы аутентификации при подключении к базе данных.
const (
	AuthModeStatic = "static"
	AuthModeIAM    = "iam"
)

// Config содержит параметры конфигурации сервиса слотов доставки.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	FarmServiceAddress string `env:"FARM_SERVICE_ADDRESS"`

	DBAuthMode string `env:"DB_AUTH_MODE"`
	DBHost     string `env:"DB_HOST"`
	DBPort     int    `env:"DB_PORT"`
	DBUser     string `env:"DB_USER"`
	DBName     string `env:"DB_NAME"`
	AWSRegion  string `env:"AWS_REGION"`
	DBCACert   string `env:"DB_CA_CERT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envFarmAddress := cfg.FarmServiceAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI (static credentials)")
	flag.StringVar(&cfg.FarmServiceAddress, "f", "", "farm management service address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envFarmAddress != "" {
		cfg.FarmServiceAddress = envFarmAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.DBAuthMode == "" {
		cfg.DBAuthMode = AuthModeStatic
	}
	if cfg.DBPort == 0 {
		cfg.DBPort = 5432
	}

	if cfg.DBAuthMode != AuthModeStatic && cfg.DBAuthMode != AuthModeIAM {
		return nil, fmt.Errorf("unknown DB_AUTH_MODE %q", cfg.DBAuthMode)
	}
	if cfg.DBAuthMode == AuthModeStatic && cfg.DatabaseURI == "" {
		return nil, fmt.Errorf("static auth mode requires database URI")
	}
	if cfg.DBAuthMode == AuthModeIAM {
		if cfg.DBHost == "" || cfg.DBUser == "" || cfg.DBName == "" || cfg.AWSRegion == "" {
			return nil, fmt.Errorf("iam auth mode requires DB_HOST, DB_USER, DB_NAME and AWS_REGION")
		}
	}

	return cfg, nil
}
