package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaDepositsExceeded = errors.New("quota deposit cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current usage counters for a sender.
type QuotaNow struct {
	ReqCount uint32
	Deposits uint64
	EpochID  uint64
}

// Quota defines the limits enforced per sender and epoch. Zero disables a
// limit.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxDepositsPerEpoch uint64
	EpochSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.EpochSeconds > 0 && (q.MaxRequestsPerEpoch > 0 || q.MaxDepositsPerEpoch > 0)
}

// EpochAt maps a unix timestamp onto the quota epoch it falls in.
func (q Quota) EpochAt(unixSeconds uint64) uint64 {
	if q.EpochSeconds == 0 {
		return 0
	}
	return unixSeconds / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether the additional requests and deposits fit within
// the configured quota. The returned QuotaNow reflects the updated counters
// when the quota is not exceeded; on denial prev is returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addDeposits uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addDeposits > 0 {
		if next.Deposits > math.MaxUint64-addDeposits {
			return prev, ErrQuotaCounterOverflow
		}
		next.Deposits += addDeposits
	}
	if q.MaxDepositsPerEpoch > 0 && next.Deposits > q.MaxDepositsPerEpoch {
		return prev, ErrQuotaDepositsExceeded
	}

	return next, nil
}
