package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"susuchain/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress             string `toml:"RPCAddress"`
	MetricsAddress         string `toml:"MetricsAddress"`
	DataDir                string `toml:"DataDir"`
	NetworkName            string `toml:"NetworkName"`
	Environment            string `toml:"Environment"`
	TreasuryAddress        string `toml:"TreasuryAddress"`
	AdminAddress           string `toml:"AdminAddress"`
	DefaultProtocolFeeBps  uint32 `toml:"DefaultProtocolFeeBps"`
	DefaultInsuranceFeeBps uint32 `toml:"DefaultInsuranceFeeBps"`
}

// Load reads the configuration at path, writing a default file first when
// none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "susu-local"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./susu-data"
	}
	if err := cfg.validateAddresses(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validateAddresses() error {
	if strings.TrimSpace(c.TreasuryAddress) != "" {
		if _, err := crypto.DecodeAddress(c.TreasuryAddress); err != nil {
			return fmt.Errorf("config: invalid TreasuryAddress: %w", err)
		}
	}
	if strings.TrimSpace(c.AdminAddress) != "" {
		if _, err := crypto.DecodeAddress(c.AdminAddress); err != nil {
			return fmt.Errorf("config: invalid AdminAddress: %w", err)
		}
	}
	if c.DefaultProtocolFeeBps+c.DefaultInsuranceFeeBps > 10_000 {
		return fmt.Errorf("config: combined default fee rates exceed 10000 bps")
	}
	return nil
}

// Treasury decodes the configured fee treasury address; ok is false when no
// treasury has been configured.
func (c *Config) Treasury() (addr [20]byte, ok bool, err error) {
	if strings.TrimSpace(c.TreasuryAddress) == "" {
		return [20]byte{}, false, nil
	}
	decoded, err := crypto.DecodeAddress(c.TreasuryAddress)
	if err != nil {
		return [20]byte{}, false, err
	}
	return decoded.Fixed(), true, nil
}

// Admin decodes the configured fee policy admin address; ok is false when no
// admin has been configured.
func (c *Config) Admin() (addr [20]byte, ok bool, err error) {
	if strings.TrimSpace(c.AdminAddress) == "" {
		return [20]byte{}, false, nil
	}
	decoded, err := crypto.DecodeAddress(c.AdminAddress)
	if err != nil {
		return [20]byte{}, false, err
	}
	return decoded.Fixed(), true, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:             ":8080",
		MetricsAddress:         ":9090",
		DataDir:                "./susu-data",
		NetworkName:            "susu-local",
		Environment:            "local",
		DefaultProtocolFeeBps:  50,
		DefaultInsuranceFeeBps: 0,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
