// Package config loads the orchestrator's root TOML configuration,
// generating a signer key and a default file on first run exactly as
// the teacher's node config does.
package config

import (
	"encoding/hex"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/solpool/poolrund/crypto"
)

// Config is the orchestrator's root configuration surface.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	SignerKey     string `toml:"SignerKey"`

	StoreDriver string `toml:"StoreDriver"` // "sqlite" or "postgres"
	StoreDSN    string `toml:"StoreDSN"`

	ChainProgramID  string `toml:"ChainProgramID"`
	ChainRPCAddress string `toml:"ChainRPCAddress"`

	DexBaseURL        string `toml:"DexBaseURL"`
	DexAPIKey         string `toml:"DexAPIKey"`
	EnableRealTrading bool   `toml:"EnableRealTrading"`

	OracleDriftAddress  string `toml:"OracleDriftAddress"`
	OracleBinanceSymbol string `toml:"OracleBinanceSymbol"`
	OracleStaleSeconds  int    `toml:"OracleStaleSeconds"`

	LobbyDurationSeconds int    `toml:"LobbyDurationSeconds"`
	CooldownSeconds      int    `toml:"CooldownSeconds"`
	CronSchedule         string `toml:"CronSchedule"`
	PlatformFeeBps       int    `toml:"PlatformFeeBps"`

	ExecutorRetries       int `toml:"ExecutorRetries"`
	ExecutorBackoffBaseMs int `toml:"ExecutorBackoffBaseMs"`
	ExecutorBackoffCapMs  int `toml:"ExecutorBackoffCapMs"`

	OTLPEndpoint string `toml:"OTLPEndpoint"`
	LogFilePath  string `toml:"LogFilePath"`
}

// Load reads the configuration from path, creating a default file with
// a freshly generated signer key if none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.SignerKey == "" {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		cfg.SignerKey = hex.EncodeToString(key.Bytes())

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, os.ModePerm)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LobbyDurationSeconds <= 0 {
		cfg.LobbyDurationSeconds = 600
	}
	if cfg.OracleStaleSeconds <= 0 {
		cfg.OracleStaleSeconds = 30
	}
	if cfg.ExecutorRetries <= 0 {
		cfg.ExecutorRetries = 3
	}
	if cfg.ExecutorBackoffBaseMs <= 0 {
		cfg.ExecutorBackoffBaseMs = 2000
	}
	if cfg.ExecutorBackoffCapMs <= 0 {
		cfg.ExecutorBackoffCapMs = 30000
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "sqlite"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:         ":8090",
		DataDir:               "./poolrund-data",
		SignerKey:             hex.EncodeToString(key.Bytes()),
		StoreDriver:           "sqlite",
		StoreDSN:              "./poolrund-data/orchestrator.db",
		LobbyDurationSeconds:  600,
		OracleStaleSeconds:    30,
		ExecutorRetries:       3,
		ExecutorBackoffBaseMs: 2000,
		ExecutorBackoffCapMs:  30000,
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
