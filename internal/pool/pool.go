// internal/pool/pool.go
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veridocs/btcpay/internal/db"
	"github.com/veridocs/btcpay/internal/logging"
	"github.com/veridocs/btcpay/pkg/hdkey"
	"github.com/veridocs/btcpay/pkg/utils"
	"go.uber.org/zap"
)

var (
	// ErrNoActiveKey means no extended public key is configured.
	ErrNoActiveKey = errors.New("no active extended key")
	// ErrInvalidCount is returned for batch sizes outside 1..500.
	ErrInvalidCount = errors.New("count must be between 1 and 500")
)

// Batch generation bound; keeps a single request from exhausting explorer
// gap limits downstream.
const maxBatchSize = 500

// invalid-child indexes are vanishingly rare, but bounded retries keep a
// corrupted key from spinning the counter forever
const maxDeriveAttempts = 3

// Store is the slice of the data layer the pool needs.
type Store interface {
	ActiveExtendedKey(ctx context.Context) (*db.ExtendedKey, error)
	AllocateIndex(ctx context.Context, keyID int64) (uint32, error)
	CreateDerivedAddress(ctx context.Context, addr *db.DerivedAddress) error
	AddressByAddress(ctx context.Context, address string) (*db.DerivedAddress, error)
	ReserveAddress(ctx context.Context, address string, until time.Time) error
	ReleaseAddress(ctx context.Context, address string) error
	MarkAddressUsed(ctx context.Context, address string) error
	CountAvailableAddresses(ctx context.Context, keyID int64) (int64, error)
	CreateAlert(ctx context.Context, a *db.Alert) error
}

type Config struct {
	EncryptionKey  string
	ReservationTTL time.Duration
	Floor          int64
}

// Pool owns the per-key derivation counter and the free/reserved/used
// lifecycle of derived addresses. All counter movement happens in the store
// under a row lock; the pool itself is stateless and safe for concurrent
// use.
type Pool struct {
	store Store
	cfg   Config
}

func New(store Store, cfg Config) *Pool {
	return &Pool{store: store, cfg: cfg}
}

// Allocate derives and persists the next receiving address for the active
// key. Two concurrent callers never receive the same derivation index.
func (p *Pool) Allocate(ctx context.Context) (*db.DerivedAddress, error) {
	key, xpub, err := p.activeKey(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := hdkey.ParseExtendedKey(xpub)
	if err != nil {
		return nil, fmt.Errorf("stored extended key is invalid: %w", err)
	}

	for attempt := 0; attempt < maxDeriveAttempts; attempt++ {
		index, err := p.store.AllocateIndex(ctx, key.ID)
		if err != nil {
			return nil, err
		}

		child, err := parsed.Child(index)
		if errors.Is(err, hdkey.ErrInvalidChild) {
			// Skip to the next index per BIP32; the counter stays advanced
			// so the invalid index is never handed out.
			logging.Warn("Skipping invalid child index",
				zap.Uint32("index", index),
				zap.Int64("extended_key_id", key.ID))
			continue
		}
		if err != nil {
			return nil, err
		}

		address, err := child.Address()
		if err != nil {
			return nil, err
		}

		record := &db.DerivedAddress{
			Address:         address,
			ExtendedKeyID:   key.ID,
			DerivationIndex: index,
			Network:         key.Network,
		}
		if err := p.store.CreateDerivedAddress(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to persist derived address: %w", err)
		}

		logging.Info("Address allocated",
			zap.String("address", address),
			zap.Uint32("index", index))
		return record, nil
	}

	return nil, fmt.Errorf("failed to derive a valid child after %d attempts", maxDeriveAttempts)
}

type BatchResult struct {
	Requested int      `json:"requested"`
	Generated int      `json:"generated"`
	Errors    []string `json:"errors"`
	Addresses []string `json:"addresses"`
}

// GenerateBatch pre-generates count addresses. Per-index failures are
// collected and generation continues; a batch is only an error when no
// active key exists or the count is out of range.
func (p *Pool) GenerateBatch(ctx context.Context, count int) (*BatchResult, error) {
	if count < 1 || count > maxBatchSize {
		return nil, ErrInvalidCount
	}
	// Fail before doing any work when no key is configured.
	if _, _, err := p.activeKey(ctx); err != nil {
		return nil, err
	}

	result := &BatchResult{Requested: count, Errors: []string{}, Addresses: []string{}}
	for i := 0; i < count; i++ {
		record, err := p.Allocate(ctx)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Generated++
		result.Addresses = append(result.Addresses, record.Address)
	}
	return result, nil
}

// Reserve holds an address for a payment flow until now+TTL. Reserving a
// used or already-reserved address fails with db.ErrAddressUnavailable.
func (p *Pool) Reserve(ctx context.Context, address string) (time.Time, error) {
	until := time.Now().Add(p.cfg.ReservationTTL)
	if err := p.store.ReserveAddress(ctx, address, until); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// Release clears a reservation without marking the address used.
func (p *Pool) Release(ctx context.Context, address string) error {
	return p.store.ReleaseAddress(ctx, address)
}

// MarkUsed is terminal; a used address is never re-issued.
func (p *Pool) MarkUsed(ctx context.Context, address string) error {
	return p.store.MarkAddressUsed(ctx, address)
}

func (p *Pool) CountAvailable(ctx context.Context) (int64, error) {
	key, _, err := p.activeKey(ctx)
	if err != nil {
		return 0, err
	}
	return p.store.CountAvailableAddresses(ctx, key.ID)
}

// CheckReplenishment surfaces operational risk when the free pool drops
// below the floor. It never blocks order creation.
func (p *Pool) CheckReplenishment(ctx context.Context) (int64, bool, error) {
	count, err := p.CountAvailable(ctx)
	if err != nil {
		return 0, false, err
	}

	if count >= p.cfg.Floor {
		return count, false, nil
	}

	logging.Warn("Address pool below floor",
		zap.Int64("available", count),
		zap.Int64("floor", p.cfg.Floor))

	alert := &db.Alert{
		Kind:    "low_address_pool",
		Message: fmt.Sprintf("only %d free addresses left (floor %d)", count, p.cfg.Floor),
	}
	if err := p.store.CreateAlert(ctx, alert); err != nil {
		return count, false, fmt.Errorf("failed to persist low-pool alert: %w", err)
	}
	return count, true, nil
}

func (p *Pool) activeKey(ctx context.Context) (*db.ExtendedKey, string, error) {
	key, err := p.store.ActiveExtendedKey(ctx)
	if err != nil {
		return nil, "", err
	}
	if key == nil {
		return nil, "", ErrNoActiveKey
	}

	xpub, err := utils.DecryptString(key.EncryptedKey, p.cfg.EncryptionKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt extended key %d: %w", key.ID, err)
	}
	return key, xpub, nil
}
