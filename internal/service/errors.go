package service

import (
	"errors"
	"time"
)

var (
	ErrInvalidAddress      = errors.New("invalid address")
	ErrUnauthorized        = errors.New("private key does not match address")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrIneligible          = errors.New("not eligible for a faucet payout")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrSweepInProgress     = errors.New("sweep already in progress")
)

// ReasonInProgress is returned when another payout for the same IP holds the lock.
const ReasonInProgress = "request already in progress"

// IneligibleError carries the eligibility reason verbatim. It matches ErrIneligible.
type IneligibleError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *IneligibleError) Error() string {
	return e.Reason
}

func (e *IneligibleError) Is(target error) bool {
	return target == ErrIneligible
}

// upstreamError marks a failed store or network call while keeping the
// cause for logs.
type upstreamError struct {
	op    string
	cause error
}

func upstream(op string, cause error) error {
	return &upstreamError{op: op, cause: cause}
}

func (e *upstreamError) Error() string {
	return e.op + ": " + e.cause.Error()
}

func (e *upstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

func (e *upstreamError) Unwrap() error {
	return e.cause
}
