// internal/payments/errors.go
package payments

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/veridocs/btcpay/internal/db"
	"github.com/veridocs/btcpay/internal/ledger"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found for order")
	ErrEscrowNotFound  = errors.New("escrow record not found")
)

// Stable error codes for calling UIs.
const (
	CodeNoXpub              = "NO_XPUB"
	CodeAddressExpired      = "ADDRESS_EXPIRED"
	CodeAmountMismatch      = "AMOUNT_MISMATCH"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeNotFound            = "NOT_FOUND"
	CodeForbidden           = "FORBIDDEN"
	CodeEscrowClosed        = "ESCROW_CLOSED"
	CodeConfiguration       = "CONFIGURATION_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

// ConfigurationError covers missing or invalid key material. Fatal: no retry
// will help until an operator fixes the configuration.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ExpirationError is terminal for the address: the caller must allocate a
// fresh one.
type ExpirationError struct {
	OrderID       int64
	Address       string
	ReservedUntil time.Time
}

func (e *ExpirationError) Error() string {
	return fmt.Sprintf("address %s for order %d expired at %s",
		e.Address, e.OrderID, e.ReservedUntil.Format(time.RFC3339))
}

// AmountMismatchError is recoverable: a late or completing transfer may
// still arrive, so no state is mutated. Shortfall is positive for
// underpayment, negative for overpayment; all amounts carry 8 decimals.
type AmountMismatchError struct {
	OrderID     int64
	ExpectedBtc decimal.Decimal
	ReceivedBtc decimal.Decimal
	Shortfall   decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch for order %d: expected %s BTC, received %s BTC, shortfall %s BTC",
		e.OrderID, e.ExpectedBtc.StringFixed(8), e.ReceivedBtc.StringFixed(8), e.Shortfall.StringFixed(8))
}

// ProviderError means the chain could not be checked at all. Transient;
// never a definitive "not paid".
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("could not check ledger: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AuthorizationError is returned before any row is touched.
type AuthorizationError struct {
	Role string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q is not authorized for this operation", e.Role)
}

// EscrowStateError means the escrow record already reached a terminal state.
type EscrowStateError struct {
	OrderID int64
	Status  db.EscrowStatus
}

func (e *EscrowStateError) Error() string {
	return fmt.Sprintf("escrow for order %d is already %s", e.OrderID, e.Status)
}

// ErrorCode maps an error to its stable code.
func ErrorCode(err error) string {
	var (
		confErr     *ConfigurationError
		expErr      *ExpirationError
		mismatchErr *AmountMismatchError
		provErr     *ProviderError
		authErr     *AuthorizationError
		escrowErr   *EscrowStateError
	)

	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrEscrowNotFound):
		return CodeNotFound
	case errors.As(err, &expErr):
		return CodeAddressExpired
	case errors.As(err, &mismatchErr):
		return CodeAmountMismatch
	case errors.As(err, &provErr), errors.Is(err, ledger.ErrAllProvidersFailed):
		return CodeProviderUnavailable
	case errors.As(err, &authErr):
		return CodeForbidden
	case errors.As(err, &escrowErr):
		return CodeEscrowClosed
	case errors.As(err, &confErr):
		return CodeConfiguration
	default:
		return CodeInternal
	}
}
