// internal/bulkops/coordinator.go
package bulkops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/veridocs/btcpay/internal/db"
	"github.com/veridocs/btcpay/internal/logging"
	"github.com/veridocs/btcpay/internal/payments"
	"go.uber.org/zap"
)

const RoleAdmin = "admin"

const (
	TypeVerifyPayments = "verify_payments"
	TypeReleaseEscrow  = "release_escrow"
	TypeRefundEscrow   = "refund_escrow"
)

// Store persists bulk-operation rows.
type Store interface {
	CreateBulkOperation(ctx context.Context, op *db.BulkOperation) error
	SaveBulkOperation(ctx context.Context, op *db.BulkOperation) error
}

// Verifier is the per-item engine the coordinator drives.
type Verifier interface {
	Verify(ctx context.Context, orderID int64) (*payments.VerificationResult, error)
	ReleaseEscrow(ctx context.Context, orderID int64) error
	RefundEscrow(ctx context.Context, orderID int64) error
}

// ItemError is one failed item in a bulk operation's error log.
type ItemError struct {
	OrderID   int64     `json:"orderId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinator applies a per-order routine across many orders as one
// tracked, partially-failable batch. Items run strictly sequentially to
// stay inside rate-limited explorer quotas.
type Coordinator struct {
	store    Store
	verifier Verifier
}

func New(store Store, verifier Verifier) *Coordinator {
	return &Coordinator{store: store, verifier: verifier}
}

// Run executes the batch. Only administrators may invoke it; the check
// happens before any row is touched. One bad order never aborts the batch:
// its error lands in the error log and iteration continues. The operation
// always completes, even all-failed.
func (c *Coordinator) Run(ctx context.Context, actorRole string, opType string, orderIDs []int64, metadata map[string]string) (*db.BulkOperation, error) {
	if actorRole != RoleAdmin {
		return nil, &payments.AuthorizationError{Role: actorRole}
	}

	switch opType {
	case TypeVerifyPayments, TypeReleaseEscrow, TypeRefundEscrow:
	default:
		return nil, fmt.Errorf("unknown bulk operation type %q", opType)
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	op := &db.BulkOperation{
		ID:         uuid.NewString(),
		Type:       opType,
		Status:     db.BulkStatusPending,
		TotalItems: len(orderIDs),
		Metadata:   string(metadataJSON),
	}
	if err := c.store.CreateBulkOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to create bulk operation: %w", err)
	}

	op.Status = db.BulkStatusProcessing
	if err := c.store.SaveBulkOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to start bulk operation: %w", err)
	}

	logger := logging.With(
		zap.String("bulk_operation_id", op.ID),
		zap.String("type", opType))
	logger.Info("Bulk operation started", zap.Int("items", len(orderIDs)))

	var itemErrors []ItemError
	for _, orderID := range orderIDs {
		err := c.runItem(ctx, opType, orderID)
		op.ProcessedItems++
		if err != nil {
			op.FailedItems++
			itemErrors = append(itemErrors, ItemError{
				OrderID:   orderID,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			logger.Warn("Bulk item failed",
				zap.Int64("order_id", orderID),
				zap.Error(err))
			continue
		}
		op.SuccessfulItems++
	}

	errorLog, err := json.Marshal(itemErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode error log: %w", err)
	}
	op.ErrorLog = string(errorLog)
	op.Status = db.BulkStatusCompleted
	now := time.Now()
	op.CompletedAt = &now

	if err := c.store.SaveBulkOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to complete bulk operation: %w", err)
	}

	logger.Info("Bulk operation completed",
		zap.Int("processed", op.ProcessedItems),
		zap.Int("successful", op.SuccessfulItems),
		zap.Int("failed", op.FailedItems))
	return op, nil
}

func (c *Coordinator) runItem(ctx context.Context, opType string, orderID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch opType {
	case TypeVerifyPayments:
		_, err = c.verifier.Verify(ctx, orderID)
	case TypeReleaseEscrow:
		err = c.verifier.ReleaseEscrow(ctx, orderID)
	case TypeRefundEscrow:
		err = c.verifier.RefundEscrow(ctx, orderID)
	}
	return err
}
