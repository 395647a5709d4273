package dispatcher

import (
	"context"
	"errors"
	"net"
	"strings"
)

// errors surfaced by chain adapters. Adapters wrap the raw RPC error with one
// of these sentinels so the stages can classify without knowing the chain.
var (
	ErrAlreadyKnown      = errors.New("already known")
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrUnderpriced       = errors.New("transaction underpriced")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrMalformedTx       = errors.New("malformed transaction")
	ErrSimulationRevert  = errors.New("simulation reverted")
	ErrRateLimited       = errors.New("rate limited")
	ErrRPCFailure        = errors.New("rpc failure")
)

// ErrorClass is the retry decision derived from a chain error
type ErrorClass int

const (
	// ClassTransient - retry with backoff (timeouts, rate limits, flaky RPC)
	ClassTransient ErrorClass = iota
	// ClassNonRetryable - drop permanently (malformed, reverted, no funds)
	ClassNonRetryable
	// ClassAlreadyKnown - idempotent success, the chain has the transaction
	ClassAlreadyKnown
	// ClassStaleNonce - corrected silently by nonce reassignment
	ClassStaleNonce
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNonRetryable:
		return "non_retryable"
	case ClassAlreadyKnown:
		return "already_known"
	case ClassStaleNonce:
		return "stale_nonce"
	}

	return "unknown"
}

// substrings various node implementations use for errors the sentinels cover.
// Matched as a fallback when the adapter passes a raw RPC error through.
var (
	alreadyKnownMsgs = []string{
		"already known",
		"already exists",
		"known transaction",
		"duplicate transaction",
	}
	nonceTooLowMsgs = []string{
		"nonce too low",
		"invalid nonce",
		"nonce is too low",
	}
	nonRetryableMsgs = []string{
		"insufficient funds",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"execution reverted",
		"invalid sender",
		"oversized data",
		"negative value",
	}
	transientMsgs = []string{
		"timeout",
		"deadline exceeded",
		"rate limit",
		"too many requests",
		"connection refused",
		"connection reset",
		"eof",
		"service unavailable",
	}
)

// Classify maps a chain error into a retry decision. Unrecognized errors are
// treated as transient: the pipeline degrades to retry later, never halts.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassAlreadyKnown
	}

	switch {
	case errors.Is(err, ErrAlreadyKnown):
		return ClassAlreadyKnown
	case errors.Is(err, ErrNonceTooLow):
		return ClassStaleNonce
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrMalformedTx),
		errors.Is(err, ErrSimulationRevert),
		errors.Is(err, ErrUnderpriced):
		return ClassNonRetryable
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrRPCFailure),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())

	if containsAny(msg, alreadyKnownMsgs) {
		return ClassAlreadyKnown
	}

	if containsAny(msg, nonceTooLowMsgs) {
		return ClassStaleNonce
	}

	if containsAny(msg, nonRetryableMsgs) {
		return ClassNonRetryable
	}

	if containsAny(msg, transientMsgs) {
		return ClassTransient
	}

	return ClassTransient
}

func containsAny(msg string, candidates []string) bool {
	for _, c := range candidates {
		if strings.Contains(msg, c) {
			return true
		}
	}

	return false
}
