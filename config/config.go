package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultNetworkName    = "loanledger-local"
	DefaultCustodyModule  = "collateral"
	DefaultDataDir        = "./loanledger-data"
	DefaultStorageBackend = "leveldb"
)

// Ledger captures the parameters passed to the one-time instantiation.
type Ledger struct {
	Name   string `toml:"Name"`
	Symbol string `toml:"Symbol"`
	// TaxRateBps is charged per elapsed second against the declared valuation.
	TaxRateBps uint64 `toml:"TaxRateBps"`
	// Owner is the bech32 address recorded as the ledger owner. Optional.
	Owner string `toml:"Owner"`
}

// Allocation funds an account at genesis.
type Allocation struct {
	Address string `toml:"Address"`
	Denom   string `toml:"Denom"`
	Amount  string `toml:"Amount"`
}

type Config struct {
	DataDir          string       `toml:"DataDir"`
	StorageBackend   string       `toml:"StorageBackend"`
	NetworkName      string       `toml:"NetworkName"`
	CustodyModule    string       `toml:"CustodyModule"`
	BlockTimeSeconds uint64       `toml:"BlockTimeSeconds"`
	Ledger           Ledger       `toml:"ledger"`
	Allocations      []Allocation `toml:"allocations"`
	Global           Global       `toml:"global"`
}

// Load loads the configuration from the given path. A missing file is created
// with default values.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = DefaultNetworkName
	}
	if strings.TrimSpace(c.CustodyModule) == "" {
		c.CustodyModule = DefaultCustodyModule
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if c.StorageBackend == "" {
		c.StorageBackend = DefaultStorageBackend
	}
	if c.BlockTimeSeconds == 0 {
		c.BlockTimeSeconds = 1
	}
	if c.Allocations == nil {
		c.Allocations = []Allocation{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:          DefaultDataDir,
		StorageBackend:   DefaultStorageBackend,
		NetworkName:      DefaultNetworkName,
		CustodyModule:    DefaultCustodyModule,
		BlockTimeSeconds: 1,
		Ledger: Ledger{
			Name:       "Collateral Ledger",
			Symbol:     "COLL",
			TaxRateBps: 1,
		},
		Allocations: []Allocation{},
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
