package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransient       = errors.New("transient exchange error")
	ErrRateLimited     = errors.New("rate limited by exchange")
	ErrTimeout         = errors.New("operation timed out")
	ErrInvalidSignal   = errors.New("invalid copy signal")
	ErrNotConnected    = errors.New("broker not connected")
	ErrTierConflict    = errors.New("follower size conflicts with risk tier")
	ErrNoPosition      = errors.New("no tracked position")
	ErrForcedUnwind    = errors.New("account is in forced unwind")
	ErrLedgerUntrusted = errors.New("ledger not reconciled with broker")
)

// DustError means the order size rounds to zero or below the exchange minimum.
type DustError struct {
	Symbol  string
	Size    float64
	Minimum float64
}

func (e *DustError) Error() string {
	return fmt.Sprintf("dust order on %s: size %.10g below minimum %.10g", e.Symbol, e.Size, e.Minimum)
}

// ExecutionFailedError is returned when an accepted order lacks confirmation fields.
type ExecutionFailedError struct {
	Broker  string
	OrderID string
	Missing []string
	Reason  string
}

func (e *ExecutionFailedError) Error() string {
	msg := fmt.Sprintf("execution failed on %s", e.Broker)
	if e.OrderID != "" {
		msg += " order " + e.OrderID
	}
	if len(e.Missing) > 0 {
		msg += ": missing " + strings.Join(e.Missing, ", ")
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PermissionError means the API key lacks a scope the call requires.
type PermissionError struct {
	Broker  string
	Scope   string
	Message string
}

func (e *PermissionError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s permission denied (%s): %s", e.Broker, e.Scope, e.Message)
	}
	return fmt.Sprintf("%s permission denied: %s", e.Broker, e.Message)
}

// NonceError is an exchange rejection of a reused or stale nonce.
type NonceError struct {
	Account string
	Message string
}

func (e *NonceError) Error() string {
	return fmt.Sprintf("nonce rejected for %s: %s", e.Account, e.Message)
}

// IsRetryable reports whether err is a transient condition worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

func IsDust(err error) bool {
	var d *DustError
	return errors.As(err, &d)
}

func IsPermission(err error) bool {
	var p *PermissionError
	return errors.As(err, &p)
}

func IsNonce(err error) bool {
	var n *NonceError
	return errors.As(err, &n)
}

func IsExecutionFailed(err error) bool {
	var e *ExecutionFailedError
	return errors.As(err, &e)
}
