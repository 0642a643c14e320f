package pay

import (
	"errors"
	"fmt"

	"github.com/opencash/opencash/currency"
)

var (
	// ErrPurchaseNotFound indicates no purchase exists for the given key.
	ErrPurchaseNotFound = errors.New("purchase not found")

	// ErrCoinVanished indicates a coin selected for payment disappeared from
	// the store between selection and signing. This is a consistency bug in
	// the caller or the store, not an expected runtime condition.
	ErrCoinVanished = errors.New("selected coin vanished from store")

	// ErrNoMatchingCoin indicates a forced coin selection requested a
	// denomination value with zero matching availability. Forced selections
	// are a diagnostic tool, so this is a hard logic error rather than an
	// insufficient-balance condition.
	ErrNoMatchingCoin = errors.New("no matching coin for forced selection")
)

// InsufficientBalanceError indicates a payment could not be made because the
// usable coins do not cover the contract amount.
type InsufficientBalanceError struct {
	// Requested is the amount the contract asked for.
	Requested currency.Amount
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s", e.Requested)
}

// ValidationError indicates a merchant-provided input failed a permanent
// validation check. Validation errors are never retried.
type ValidationError struct {
	Err error
}

func (e ValidationError) Error() string {
	return e.Err.Error()
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// ProtocolViolationError indicates a counterparty response did not conform to
// the protocol, for example a 409 reply without a broken coin or an
// unverifiable payment signature. Protocol violations are fatal for the
// operation that observed them.
type ProtocolViolationError struct {
	Err error
}

func (e ProtocolViolationError) Error() string {
	return e.Err.Error()
}

func (e ProtocolViolationError) Unwrap() error {
	return e.Err
}

// MerchantError is a permanent rejection from the merchant backend.
type MerchantError struct {
	StatusCode int
	Message    string
}

func (e MerchantError) Error() string {
	return fmt.Sprintf("merchant error, status code %d: %s", e.StatusCode, e.Message)
}
