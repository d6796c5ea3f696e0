package config

import (
	"github.com/caarlos0/env/v9"
)

// ProcessConfig holds process-level bootstrap settings, loaded once at
// startup from the environment (and, via the godotenv/autoload import
// in main.go, from a .env file if present).
type ProcessConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	ConfigFile string `env:"CONFIG_FILE" envDefault:"puppyserv.conf"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadProcessConfig parses ProcessConfig from the environment.
func LoadProcessConfig() (ProcessConfig, error) {
	var cfg ProcessConfig
	if err := env.Parse(&cfg); err != nil {
		return ProcessConfig{}, err
	}
	return cfg, nil
}
