// Package config содержит логику чтения конфигурации сервиса finledger.
package config

import (
	"errors"
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ErrAdminRequired возвращается, если не задан адрес администратора.
var ErrAdminRequired = errors.New("admin address is required")

// Config содержит параметры конфигурации сервиса finledger.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	PayoutSystemAddress string `env:"PAYOUT_SYSTEM_ADDRESS"`
	AdminAddress        string `env:"ADMIN_ADDRESS"`
	AuthSecret          string `env:"AUTH_SECRET"`
	JournalPath         string `env:"JOURNAL_PATH"`
	LogFile             string `env:"LOG_FILE"`
	TrustProxy          bool   `env:"TRUST_PROXY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PayoutSystemAddress, "r", "", "payout system address")
	flag.StringVar(&cfg.AdminAddress, "admin", "", "admin account address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signing session tokens")
	flag.StringVar(&cfg.JournalPath, "j", "", "leveldb journal directory")
	flag.StringVar(&cfg.LogFile, "l", "", "log file with rotation")
	flag.BoolVar(&cfg.TrustProxy, "trust-proxy", false, "take client address from X-Real-IP and X-Forwarded-For")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.PayoutSystemAddress, fromEnv.PayoutSystemAddress)
	override(&cfg.AdminAddress, fromEnv.AdminAddress)
	override(&cfg.AuthSecret, fromEnv.AuthSecret)
	override(&cfg.JournalPath, fromEnv.JournalPath)
	override(&cfg.LogFile, fromEnv.LogFile)
	if fromEnv.TrustProxy {
		cfg.TrustProxy = true
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.AdminAddress == "" {
		return nil, ErrAdminRequired
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
