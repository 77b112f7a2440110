package errors

import (
	"errors"
)

var (
	ErrValidation               = errors.New("validation failed")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInstrumentNotFound       = errors.New("stored-value instrument not found")
	ErrInstrumentNotActive      = errors.New("stored-value instrument not active")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrDuplicateReference       = errors.New("reference already exists")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrGroupNotFound            = errors.New("settlement group not found")
	ErrAlreadyFinalized         = errors.New("transaction already finalized")
	ErrClaimLost                = errors.New("finalize claim lost")
	ErrSideEffectNotRetryable   = errors.New("side effect is not in a retryable state")
	ErrInvariantViolation       = errors.New("ledger invariant violation")
	ErrGatewayUnreachable       = errors.New("payment gateway unreachable")
	ErrGatewayTimeout           = errors.New("payment gateway timeout")
	ErrGatewayReferenceNotFound = errors.New("gateway reference not found")
	ErrSignatureInvalid         = errors.New("invalid webhook signature")
	ErrUnauthorized             = errors.New("unauthorized")
)

// User-visible failure messages.
const (
	MsgInsufficientFunds = "insufficient funds, choose another amount"
	MsgRetryLater        = "payment could not be verified, it will be retried"
	MsgRolledBack        = "payment failed, transaction rolled back"
	MsgInvalidRequest    = "invalid request"
	MsgNotFound          = "settlement not found"
	MsgConflict          = "request already processed"
	MsgUnauthorized      = "unauthorized"
	MsgInternal          = "internal error"
)

// IsRetryable reports whether err stems from the gateway being transiently
// unavailable. Such errors never mean the payment failed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnreachable) || errors.Is(err, ErrGatewayTimeout)
}

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInstrumentNotFound) ||
		errors.Is(err, ErrInstrumentNotActive)
}

// UserMessage maps any error to a message that is safe to show to the end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return MsgInsufficientFunds
	case IsRetryable(err):
		return MsgRetryLater
	case IsValidation(err), errors.Is(err, ErrSideEffectNotRetryable):
		return MsgInvalidRequest
	case errors.Is(err, ErrGroupNotFound), errors.Is(err, ErrTransactionNotFound):
		return MsgNotFound
	case errors.Is(err, ErrDuplicateReference):
		return MsgConflict
	case errors.Is(err, ErrUnauthorized):
		return MsgUnauthorized
	default:
		return MsgInternal
	}
}
