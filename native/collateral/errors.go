package collateral

import "errors"

var (
	ErrInvalidAmount       = errors.New("collateral: amount must be positive")
	ErrNotFound            = errors.New("collateral: record not found")
	ErrInsufficientFunds   = errors.New("collateral: insufficient funds")
	ErrArithmeticOverflow  = errors.New("collateral: arithmetic overflow")
	ErrTransferFailed      = errors.New("collateral: transfer failed")
	ErrClockRegression     = errors.New("collateral: tax clock moved backwards")
	ErrDuplicateID         = errors.New("collateral: identifier already exists")
	ErrInvalidToken        = errors.New("collateral: invalid token")
	ErrInvalidAddress      = errors.New("collateral: invalid address")
	ErrNotInstantiated     = errors.New("collateral: ledger not instantiated")
	ErrAlreadyInstantiated = errors.New("collateral: ledger already instantiated")
	errNilPort             = errors.New("collateral: transfer port not configured")
	errNilBalances         = errors.New("collateral: balance query not configured")
)
