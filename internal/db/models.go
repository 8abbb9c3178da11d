// internal/db/models.go
package db

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

type EscrowStatus string

const (
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

type BulkOperationStatus string

const (
	BulkStatusPending    BulkOperationStatus = "pending"
	BulkStatusProcessing BulkOperationStatus = "processing"
	BulkStatusCompleted  BulkOperationStatus = "completed"
	BulkStatusFailed     BulkOperationStatus = "failed"
)

// ExtendedKey holds a watch-only extended public key. The key itself is
// stored AES-GCM encrypted. At most one row is active at a time; NextIndex
// is only ever advanced under a row lock and is the sole source of address
// uniqueness.
type ExtendedKey struct {
	ID                   int64 `gorm:"primary_key"`
	EncryptedKey         string
	Fingerprint          string
	Network              string
	DerivationPathPrefix string
	NextIndex            uint32
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DerivedAddress is one receiving address derived from an ExtendedKey.
// (ExtendedKeyID, DerivationIndex) is unique; a used address is never
// re-issued.
type DerivedAddress struct {
	ID               int64  `gorm:"primary_key"`
	Address          string `gorm:"uniqueIndex"`
	ExtendedKeyID    int64  `gorm:"uniqueIndex:idx_key_derivation_index"`
	DerivationIndex  uint32 `gorm:"uniqueIndex:idx_key_derivation_index"`
	Network          string
	IsUsed           bool
	ReservedUntil    *time.Time
	PaymentConfirmed bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Order struct {
	ID                 int64 `gorm:"primary_key"`
	ExpectedFiatAmount float64
	PriceAtOrderTime   float64 // fiat per BTC at order creation
	Status             OrderStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Payment is the append-only payment record for an order. Status moves
// pending -> paid exactly once.
type Payment struct {
	ID                int64 `gorm:"primary_key"`
	OrderID           int64 `gorm:"index"`
	Address           string
	ExpectedBtcAmount float64
	Status            PaymentStatus
	Txid              string
	Confirmations     int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EscrowRecord tracks platform-held funds for an order. Released and
// refunded are terminal and mutually exclusive.
type EscrowRecord struct {
	ID         int64 `gorm:"primary_key"`
	OrderID    int64 `gorm:"uniqueIndex"`
	Amount     float64
	Status     EscrowStatus
	HeldAt     time.Time
	ReleasedAt *time.Time
	RefundedAt *time.Time
}

type BulkOperation struct {
	ID              string `gorm:"primary_key"`
	Type            string
	Status          BulkOperationStatus
	TotalItems      int
	ProcessedItems  int
	SuccessfulItems int
	FailedItems     int
	ErrorLog        string // JSON array of {orderId, error, timestamp}
	Metadata        string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

type ScheduledJob struct {
	ID        int64  `gorm:"primary_key"`
	Name      string `gorm:"uniqueIndex"`
	Type      string
	Config    string
	IsActive  bool
	CronExpr  string
	CreatedAt time.Time
}

type JobExecutionLog struct {
	ID             int64 `gorm:"primary_key"`
	JobName        string
	Status         string
	DurationMs     int64
	ItemsProcessed int
	ErrorMessage   string
	RanAt          time.Time
}

// Notification records a message queued for a customer. The unique
// (OrderID, Type) pair keeps reminder jobs idempotent across cron ticks.
type Notification struct {
	ID        int64  `gorm:"primary_key"`
	OrderID   int64  `gorm:"uniqueIndex:idx_order_notification_type"`
	Type      string `gorm:"uniqueIndex:idx_order_notification_type"`
	Message   string
	CreatedAt time.Time
}

// Alert surfaces operational risk (low address pool, failing providers) to
// the back office without blocking order flow.
type Alert struct {
	ID        int64 `gorm:"primary_key"`
	Kind      string
	Message   string
	CreatedAt time.Time
}

// OrderStats is an analytics rollup over settled orders.
type OrderStats struct {
	Orders      int64
	FiatVolume  float64
	EscrowsHeld int64
}
