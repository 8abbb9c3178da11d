// internal/db/store.go
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAddressUnavailable means the address is used or carries a live
	// reservation.
	ErrAddressUnavailable = errors.New("address is used or reserved")
	// ErrEscrowNotHeld means the escrow record already reached a terminal
	// state (released/refunded) or does not exist.
	ErrEscrowNotHeld = errors.New("escrow record is not in held state")
)

// Store wraps a gorm connection with the queries the payment engine needs.
// The derivation-counter increment and the settlement write are the only two
// operations that take transactions with row locks; everything else is a
// plain read or single-row update that is safe to re-run.
type Store struct {
	db *gorm.DB
}

func NewStore(gormDB *gorm.DB) *Store {
	return &Store{db: gormDB}
}

func (s *Store) ActiveExtendedKey(ctx context.Context) (*ExtendedKey, error) {
	var key ExtendedKey
	err := s.db.WithContext(ctx).Where("is_active = ?", true).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error loading active extended key: %w", err)
	}
	return &key, nil
}

// AllocateIndex reads and increments the key's derivation counter as one
// atomic operation. Concurrent callers serialize on the row lock, so no two
// allocations ever observe the same index.
func (s *Store) AllocateIndex(ctx context.Context, keyID int64) (uint32, error) {
	var index uint32
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key ExtendedKey
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&key, keyID).Error; err != nil {
			return fmt.Errorf("error locking extended key %d: %w", keyID, err)
		}
		index = key.NextIndex

		if err := tx.Model(&ExtendedKey{}).Where("id = ?", keyID).
			Update("next_index", gorm.Expr("next_index + 1")).Error; err != nil {
			return fmt.Errorf("error advancing derivation counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

func (s *Store) CreateDerivedAddress(ctx context.Context, addr *DerivedAddress) error {
	return s.db.WithContext(ctx).Create(addr).Error
}

func (s *Store) AddressByAddress(ctx context.Context, address string) (*DerivedAddress, error) {
	var addr DerivedAddress
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&addr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error loading derived address: %w", err)
	}
	return &addr, nil
}

func (s *Store) ReserveAddress(ctx context.Context, address string, until time.Time) error {
	res := s.db.WithContext(ctx).Model(&DerivedAddress{}).
		Where("address = ? AND is_used = ? AND (reserved_until IS NULL OR reserved_until < ?)",
			address, false, time.Now()).
		Update("reserved_until", until)
	if res.Error != nil {
		return fmt.Errorf("error reserving address: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAddressUnavailable
	}
	return nil
}

func (s *Store) ReleaseAddress(ctx context.Context, address string) error {
	return s.db.WithContext(ctx).Model(&DerivedAddress{}).
		Where("address = ? AND is_used = ?", address, false).
		Update("reserved_until", nil).Error
}

func (s *Store) MarkAddressUsed(ctx context.Context, address string) error {
	return s.db.WithContext(ctx).Model(&DerivedAddress{}).
		Where("address = ?", address).
		Update("is_used", true).Error
}

func (s *Store) CountAvailableAddresses(ctx context.Context, keyID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&DerivedAddress{}).
		Where("extended_key_id = ? AND is_used = ? AND (reserved_until IS NULL OR reserved_until < ?)",
			keyID, false, time.Now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting available addresses: %w", err)
	}
	return count, nil
}

// ReleaseExpiredReservations returns expired, unpaid reservations to the
// pool. Confirmed addresses are never touched.
func (s *Store) ReleaseExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&DerivedAddress{}).
		Where("reserved_until IS NOT NULL AND reserved_until < ? AND is_used = ? AND payment_confirmed = ?",
			now, false, false).
		Update("reserved_until", nil)
	if res.Error != nil {
		return 0, fmt.Errorf("error releasing expired reservations: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) OrderByID(ctx context.Context, id int64) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).First(&order, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error loading order %d: %w", id, err)
	}
	return &order, nil
}

func (s *Store) PaymentByOrderID(ctx context.Context, orderID int64) (*Payment, error) {
	var payment Payment
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error loading payment for order %d: %w", orderID, err)
	}
	return &payment, nil
}

func (s *Store) OldestPendingPayments(ctx context.Context, limit int) ([]Payment, error) {
	var payments []Payment
	err := s.db.WithContext(ctx).
		Where("status = ?", PaymentStatusPending).
		Order("created_at asc").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("error loading pending payments: %w", err)
	}
	return payments, nil
}

func (s *Store) UpdatePaymentConfirmations(ctx context.Context, paymentID int64, confirmations int64) error {
	return s.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ?", paymentID).
		Update("confirmations", confirmations).Error
}

// Settlement is the four-way state transition applied when a payment clears
// tolerance and the confirmation threshold.
type Settlement struct {
	OrderID       int64
	PaymentID     int64
	Address       string
	Txid          string
	Confirmations int64
	EscrowAmount  float64
}

// SettlePayment applies the settlement as one transaction: address used and
// confirmed, order processing, payment paid, escrow held. A partial
// application is never visible to readers.
func (s *Store) SettlePayment(ctx context.Context, st Settlement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DerivedAddress{}).
			Where("address = ?", st.Address).
			Updates(map[string]interface{}{
				"is_used":           true,
				"payment_confirmed": true,
			}).Error; err != nil {
			return fmt.Errorf("error marking address used: %w", err)
		}

		if err := tx.Model(&Order{}).
			Where("id = ?", st.OrderID).
			Update("status", OrderStatusProcessing).Error; err != nil {
			return fmt.Errorf("error updating order status: %w", err)
		}

		if err := tx.Model(&Payment{}).
			Where("id = ? AND status = ?", st.PaymentID, PaymentStatusPending).
			Updates(map[string]interface{}{
				"status":        PaymentStatusPaid,
				"txid":          st.Txid,
				"confirmations": st.Confirmations,
			}).Error; err != nil {
			return fmt.Errorf("error updating payment status: %w", err)
		}

		var escrow EscrowRecord
		err := tx.Where("order_id = ?", st.OrderID).First(&escrow).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			escrow = EscrowRecord{
				OrderID: st.OrderID,
				Amount:  st.EscrowAmount,
				Status:  EscrowStatusHeld,
				HeldAt:  time.Now(),
			}
			if err := tx.Create(&escrow).Error; err != nil {
				return fmt.Errorf("error creating escrow record: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("error loading escrow record: %w", err)
		}

		return nil
	})
}

func (s *Store) EscrowByOrderID(ctx context.Context, orderID int64) (*EscrowRecord, error) {
	var escrow EscrowRecord
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&escrow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error loading escrow for order %d: %w", orderID, err)
	}
	return &escrow, nil
}

// CloseEscrow moves a held escrow record to a terminal state and updates the
// order status in the same transaction. The guarded update makes released
// and refunded mutually exclusive even under concurrent callers.
func (s *Store) CloseEscrow(ctx context.Context, orderID int64, status EscrowStatus, orderStatus OrderStatus) error {
	if status != EscrowStatusReleased && status != EscrowStatusRefunded {
		return fmt.Errorf("invalid terminal escrow status %q", status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"status": status}
		now := time.Now()
		if status == EscrowStatusReleased {
			updates["released_at"] = now
		} else {
			updates["refunded_at"] = now
		}

		res := tx.Model(&EscrowRecord{}).
			Where("order_id = ? AND status = ?", orderID, EscrowStatusHeld).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("error closing escrow: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrEscrowNotHeld
		}

		if err := tx.Model(&Order{}).
			Where("id = ?", orderID).
			Update("status", orderStatus).Error; err != nil {
			return fmt.Errorf("error updating order status: %w", err)
		}
		return nil
	})
}

func (s *Store) CreateBulkOperation(ctx context.Context, op *BulkOperation) error {
	return s.db.WithContext(ctx).Create(op).Error
}

func (s *Store) SaveBulkOperation(ctx context.Context, op *BulkOperation) error {
	return s.db.WithContext(ctx).Save(op).Error
}

func (s *Store) ActiveJobs(ctx context.Context, name string) ([]ScheduledJob, error) {
	q := s.db.WithContext(ctx).Where("is_active = ?", true)
	if name != "" {
		q = q.Where("name = ?", name)
	}

	var jobs []ScheduledJob
	if err := q.Order("id asc").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("error loading scheduled jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) AppendJobLog(ctx context.Context, entry *JobExecutionLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *Store) PruneJobLogs(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("ran_at < ?", before).Delete(&JobExecutionLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("error pruning job logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PendingOrdersExpiringBefore returns unpaid orders whose address
// reservation expires between now and the deadline.
func (s *Store) PendingOrdersExpiringBefore(ctx context.Context, deadline time.Time) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).Raw(`
		SELECT o.* FROM orders o
		JOIN payments p ON p.order_id = o.id
		JOIN derived_addresses d ON d.address = p.address
		WHERE o.status = ?
		  AND d.reserved_until IS NOT NULL
		  AND d.reserved_until > ?
		  AND d.reserved_until <= ?`,
		OrderStatusPendingPayment, time.Now(), deadline).
		Scan(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("error loading expiring orders: %w", err)
	}
	return orders, nil
}

func (s *Store) HasNotification(ctx context.Context, orderID int64, kind string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("order_id = ? AND type = ?", orderID, kind).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error checking notification: %w", err)
	}
	return count > 0, nil
}

func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *Store) CreateAlert(ctx context.Context, a *Alert) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *Store) PaidOrderStatsSince(ctx context.Context, since time.Time) (OrderStats, error) {
	var stats OrderStats
	err := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) AS orders,
		       COALESCE(SUM(expected_fiat_amount), 0) AS fiat_volume
		FROM orders
		WHERE status IN (?, ?) AND updated_at >= ?`,
		OrderStatusProcessing, OrderStatusPaid, since).
		Scan(&stats).Error
	if err != nil {
		return OrderStats{}, fmt.Errorf("error computing order stats: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&EscrowRecord{}).
		Where("status = ?", EscrowStatusHeld).
		Count(&stats.EscrowsHeld).Error
	if err != nil {
		return OrderStats{}, fmt.Errorf("error counting held escrows: %w", err)
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("error getting sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
