// Package ledger observes the Bitcoin chain for payments to watched
// addresses through public block-explorer APIs. Every explorer speaks a
// different wire format; each adapter normalizes its own format into
// AddressTx at the boundary, so the watcher and everything above it only
// ever see one shape.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

const satoshisPerBtc = 100_000_000

// AddressTx is one transaction output paying a watched address, normalized
// across providers.
type AddressTx struct {
	Txid          string
	Value         decimal.Decimal // BTC
	Confirmations int64
	Confirmed     bool
}

// Provider is a single block-explorer backend.
type Provider interface {
	Name() string
	AddressTransactions(ctx context.Context, address string) ([]AddressTx, error)
	Ping(ctx context.Context) error
}

func btcFromSats(sats int64) decimal.Decimal {
	return decimal.New(sats, 0).Div(decimal.New(satoshisPerBtc, 0))
}
