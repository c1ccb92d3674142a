package config

// Pauses lists modules the operator switched off.
type Pauses struct {
	Collateral bool
}

// Quota defines rate limits for ledger operations on a per-sender basis.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxDepositsPerEpoch uint64
	EpochSeconds        uint32 // e.g., 60
}

// Quotas groups quotas for each module.
type Quotas struct {
	Collateral Quota
}

// Global bundles the runtime policy values enforced by ValidateConfig.
type Global struct {
	Pauses Pauses
	Quotas Quotas
}
