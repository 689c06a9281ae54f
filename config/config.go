package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the settlement node parameters.
type Config struct {
	DataDir         string `toml:"DataDir"`
	ChainID         uint64 `toml:"ChainID"`
	ExitDelayBlocks uint64 `toml:"ExitDelayBlocks"`
	TokenSymbol     string `toml:"TokenSymbol"`
}

const defaultExitDelayBlocks = 23040

// Load loads the configuration from the given path, creating a commented
// default when the file does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./paychan-data"
	}
	if cfg.ExitDelayBlocks == 0 {
		cfg.ExitDelayBlocks = defaultExitDelayBlocks
	}
	if strings.TrimSpace(cfg.TokenSymbol) == "" {
		cfg.TokenSymbol = "PAY"
	}
}

// Validate checks the configuration for values the engines cannot accept.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID must be non-zero")
	}
	if c.ExitDelayBlocks == 0 {
		return fmt.Errorf("config: ExitDelayBlocks must be non-zero")
	}
	if strings.TrimSpace(c.TokenSymbol) == "" {
		return fmt.Errorf("config: TokenSymbol required")
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:         "./paychan-data",
		ChainID:         1,
		ExitDelayBlocks: defaultExitDelayBlocks,
		TokenSymbol:     "PAY",
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, "# paychand settlement node configuration"); err != nil {
		return nil, err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
