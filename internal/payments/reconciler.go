// internal/payments/reconciler.go
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/veridocs/btcpay/internal/db"
	"github.com/veridocs/btcpay/internal/ledger"
	"github.com/veridocs/btcpay/internal/logging"
	"go.uber.org/zap"
)

const btcScale = 8

// Store is the slice of the data layer the reconciler needs.
type Store interface {
	OrderByID(ctx context.Context, id int64) (*db.Order, error)
	PaymentByOrderID(ctx context.Context, orderID int64) (*db.Payment, error)
	AddressByAddress(ctx context.Context, address string) (*db.DerivedAddress, error)
	UpdatePaymentConfirmations(ctx context.Context, paymentID int64, confirmations int64) error
	SettlePayment(ctx context.Context, st db.Settlement) error
	EscrowByOrderID(ctx context.Context, orderID int64) (*db.EscrowRecord, error)
	CloseEscrow(ctx context.Context, orderID int64, status db.EscrowStatus, orderStatus db.OrderStatus) error
	OldestPendingPayments(ctx context.Context, limit int) ([]db.Payment, error)
}

// Ledger is what the reconciler needs from the chain watcher.
type Ledger interface {
	CheckAddress(ctx context.Context, address string, expectedBtc decimal.Decimal) (*ledger.CheckResult, error)
}

type Config struct {
	TolerancePct          float64 // e.g. 2.0 for 2%
	ConfirmationsRequired int64
	PendingPageSize       int
}

// Reconciler decides whether an order's payment is satisfied and performs
// the resulting state transition. Repeated Verify calls for the same order
// are commutative once the payment is confirmed, giving at-most-once
// settlement under at-least-once polling.
type Reconciler struct {
	store  Store
	ledger Ledger
	cfg    Config
}

func NewReconciler(store Store, chain Ledger, cfg Config) *Reconciler {
	if cfg.ConfirmationsRequired <= 0 {
		cfg.ConfirmationsRequired = 1
	}
	if cfg.PendingPageSize <= 0 {
		cfg.PendingPageSize = 10
	}
	return &Reconciler{store: store, ledger: chain, cfg: cfg}
}

type VerificationResult struct {
	OrderID       int64  `json:"order_id"`
	Verified      bool   `json:"verified"`
	Confirmations int64  `json:"confirmations"`
	Txid          string `json:"txid,omitempty"`
	Message       string `json:"message"`
}

// Verify runs the per-order state machine. Step order is load, expiry
// check, idempotency short-circuit, ledger query, tolerance check,
// settlement; the expiry check always precedes any ledger query.
func (r *Reconciler) Verify(ctx context.Context, orderID int64) (*VerificationResult, error) {
	logger := logging.With(zap.Int64("order_id", orderID))

	order, err := r.store.OrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	payment, err := r.store.PaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}

	addr, err := r.store.AddressByAddress(ctx, payment.Address)
	if err != nil {
		return nil, err
	}
	if addr == nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("payment address %s has no derivation record", payment.Address)}
	}

	if !addr.PaymentConfirmed && addr.ReservedUntil != nil && time.Now().After(*addr.ReservedUntil) {
		logger.Info("Address reservation expired", zap.String("address", addr.Address))
		return nil, &ExpirationError{
			OrderID:       orderID,
			Address:       addr.Address,
			ReservedUntil: *addr.ReservedUntil,
		}
	}

	if addr.PaymentConfirmed {
		// Already settled; zero writes.
		return &VerificationResult{
			OrderID:       orderID,
			Verified:      true,
			Confirmations: payment.Confirmations,
			Txid:          payment.Txid,
			Message:       "payment already confirmed",
		}, nil
	}

	if order.Status != db.OrderStatusPendingPayment {
		// The order left the payable state without a confirmed payment
		// (manual cancellation or an operator action). Order statuses only
		// move forward, so verification must never pull it back into the
		// settlement path.
		logger.Info("Order is not awaiting payment, skipping verification",
			zap.String("status", string(order.Status)))
		return &VerificationResult{
			OrderID: orderID,
			Message: fmt.Sprintf("order is %s; verification skipped", order.Status),
		}, nil
	}

	expectedBtc, err := expectedBtcAmount(order)
	if err != nil {
		return nil, err
	}

	check, err := r.ledger.CheckAddress(ctx, payment.Address, expectedBtc)
	if err != nil {
		if errors.Is(err, ledger.ErrAllProvidersFailed) {
			return nil, &ProviderError{Err: err}
		}
		return nil, err
	}

	if !check.Found {
		return &VerificationResult{
			OrderID: orderID,
			Message: "no payment detected yet",
		}, nil
	}

	received := check.ReceivedBtc
	diff := received.Sub(expectedBtc).Abs().Div(expectedBtc)
	tolerance := decimal.NewFromFloat(r.cfg.TolerancePct).Div(decimal.NewFromInt(100))
	if diff.GreaterThan(tolerance) {
		// No state mutated: a completing transfer may still arrive.
		return nil, &AmountMismatchError{
			OrderID:     orderID,
			ExpectedBtc: expectedBtc.Round(btcScale),
			ReceivedBtc: received.Round(btcScale),
			Shortfall:   expectedBtc.Sub(received).Round(btcScale),
		}
	}

	if check.Confirmations < r.cfg.ConfirmationsRequired {
		if err := r.store.UpdatePaymentConfirmations(ctx, payment.ID, check.Confirmations); err != nil {
			return nil, err
		}
		return &VerificationResult{
			OrderID:       orderID,
			Confirmations: check.Confirmations,
			Txid:          check.Txid,
			Message: fmt.Sprintf("awaiting confirmations (%d/%d)",
				check.Confirmations, r.cfg.ConfirmationsRequired),
		}, nil
	}

	receivedFloat, _ := received.Round(btcScale).Float64()
	err = r.store.SettlePayment(ctx, db.Settlement{
		OrderID:       orderID,
		PaymentID:     payment.ID,
		Address:       payment.Address,
		Txid:          check.Txid,
		Confirmations: check.Confirmations,
		EscrowAmount:  receivedFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to settle payment for order %d: %w", orderID, err)
	}

	logger.Info("Payment settled",
		zap.String("txid", check.Txid),
		zap.String("received_btc", received.StringFixed(btcScale)),
		zap.Int64("confirmations", check.Confirmations))

	return &VerificationResult{
		OrderID:       orderID,
		Verified:      true,
		Confirmations: check.Confirmations,
		Txid:          check.Txid,
		Message:       "payment verified",
	}, nil
}

// ReleaseEscrow moves held funds to the seller and marks the order paid.
func (r *Reconciler) ReleaseEscrow(ctx context.Context, orderID int64) error {
	return r.closeEscrow(ctx, orderID, db.EscrowStatusReleased, db.OrderStatusPaid)
}

// RefundEscrow returns held funds to the buyer and cancels the order.
func (r *Reconciler) RefundEscrow(ctx context.Context, orderID int64) error {
	return r.closeEscrow(ctx, orderID, db.EscrowStatusRefunded, db.OrderStatusCancelled)
}

func (r *Reconciler) closeEscrow(ctx context.Context, orderID int64, status db.EscrowStatus, orderStatus db.OrderStatus) error {
	escrow, err := r.store.EscrowByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if escrow == nil {
		return ErrEscrowNotFound
	}

	err = r.store.CloseEscrow(ctx, orderID, status, orderStatus)
	if errors.Is(err, db.ErrEscrowNotHeld) {
		return &EscrowStateError{OrderID: orderID, Status: escrow.Status}
	}
	if err != nil {
		return err
	}

	logging.Info("Escrow closed",
		zap.Int64("order_id", orderID),
		zap.String("status", string(status)))
	return nil
}

type CheckPendingResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
}

// CheckPending verifies a page of the oldest pending payments. Per-item
// failures are logged and never abort the sweep; meant to be cron-triggered
// frequently.
func (r *Reconciler) CheckPending(ctx context.Context) (*CheckPendingResult, error) {
	payments, err := r.store.OldestPendingPayments(ctx, r.cfg.PendingPageSize)
	if err != nil {
		return nil, err
	}

	result := &CheckPendingResult{}
	for _, payment := range payments {
		result.Checked++

		verification, err := r.Verify(ctx, payment.OrderID)
		if err != nil {
			logging.Warn("Pending payment check failed",
				zap.Int64("order_id", payment.OrderID),
				zap.String("error_code", ErrorCode(err)),
				zap.Error(err))
			continue
		}
		if verification.Verified {
			result.Updated++
		}
	}
	return result, nil
}

func expectedBtcAmount(order *db.Order) (decimal.Decimal, error) {
	if order.PriceAtOrderTime <= 0 {
		return decimal.Zero, &ConfigurationError{
			Reason: fmt.Sprintf("order %d has no BTC price snapshot", order.ID),
		}
	}
	fiat := decimal.NewFromFloat(order.ExpectedFiatAmount)
	price := decimal.NewFromFloat(order.PriceAtOrderTime)
	return fiat.DivRound(price, btcScale+4), nil
}
