package config

import (
	"fmt"
	"strings"
)

func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.Ledger.Name) == "" {
		return fmt.Errorf("ledger: Name must not be empty")
	}
	if strings.TrimSpace(c.Ledger.Symbol) == "" {
		return fmt.Errorf("ledger: Symbol must not be empty")
	}
	switch c.StorageBackend {
	case "", "leveldb", "bolt":
	default:
		return fmt.Errorf("StorageBackend must be leveldb or bolt, got %q", c.StorageBackend)
	}
	if c.BlockTimeSeconds == 0 {
		return fmt.Errorf("BlockTimeSeconds must be positive")
	}
	if _, err := c.OwnerAddress(); err != nil {
		return err
	}
	q := c.Global.Quotas.Collateral
	if (q.MaxRequestsPerEpoch > 0 || q.MaxDepositsPerEpoch > 0) && q.EpochSeconds == 0 {
		return fmt.Errorf("quotas: collateral limits require EpochSeconds")
	}
	if _, err := c.GenesisAllocations(); err != nil {
		return err
	}
	return nil
}
