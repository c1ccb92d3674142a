package server

import (
	"errors"
	"net/http"

	"loanledger/core"
	"loanledger/native/collateral"
	nativecommon "loanledger/native/common"
	"loanledger/observability"
	"loanledger/services/collaterald/audit"
)

var errBadRequest = errors.New("collaterald: bad request")

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps ledger errors onto HTTP status codes and stable error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, core.ErrUnknownMsg):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, collateral.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, collateral.ErrInvalidToken):
		return http.StatusBadRequest, "invalid_token"
	case errors.Is(err, collateral.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_address"
	case errors.Is(err, collateral.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, collateral.ErrDuplicateID):
		return http.StatusConflict, "duplicate_id"
	case errors.Is(err, collateral.ErrAlreadyInstantiated):
		return http.StatusConflict, "already_instantiated"
	case errors.Is(err, collateral.ErrNotInstantiated):
		return http.StatusPreconditionFailed, "not_instantiated"
	case errors.Is(err, collateral.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, collateral.ErrTransferFailed):
		return http.StatusUnprocessableEntity, "transfer_failed"
	case errors.Is(err, collateral.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity, "arithmetic_overflow"
	case errors.Is(err, collateral.ErrClockRegression):
		return http.StatusConflict, "clock_regression"
	case errors.Is(err, audit.ErrChainBroken):
		return http.StatusConflict, "audit_chain_broken"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "module_paused"
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaDepositsExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests, "quota_exceeded"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	observability.API().RecordRejection("collaterald", code)
	if status == http.StatusTooManyRequests {
		observability.API().RecordThrottle("collaterald", code)
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	s.writeJSON(w, status, errorPayload{Error: message, Code: code})
}
