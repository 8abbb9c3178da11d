package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
	"github.com/veridocs/btcpay/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrAllProvidersFailed distinguishes "could not check the chain" from "no
// payment yet". Callers must treat it as transient and retry on the next
// poll.
var ErrAllProvidersFailed = errors.New("all ledger providers failed")

// matchEpsilon absorbs float rounding between explorers (1e-5 BTC). Economic
// tolerance is the reconciler's job, not ours.
var matchEpsilon = decimal.RequireFromString("0.00001")

type Config struct {
	ConfirmationsRequired int64
	CallDelay             time.Duration
	FallbackDelay         time.Duration
	RetryAttempts         uint
}

// Watcher queries an ordered list of independent providers. A provider
// failure is logged and skipped, never surfaced, unless every provider
// fails.
type Watcher struct {
	providers     []Provider
	limiter       *rate.Limiter
	fallbackDelay time.Duration
	confirmations int64
	retryAttempts uint
}

func NewWatcher(providers []Provider, cfg Config) *Watcher {
	callDelay := cfg.CallDelay
	if callDelay <= 0 {
		callDelay = time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	confirmations := cfg.ConfirmationsRequired
	if confirmations <= 0 {
		confirmations = 1
	}

	return &Watcher{
		providers:     providers,
		limiter:       rate.NewLimiter(rate.Every(callDelay), 1),
		fallbackDelay: cfg.FallbackDelay,
		confirmations: confirmations,
		retryAttempts: attempts,
	}
}

type CheckResult struct {
	Found         bool
	Txid          string
	ReceivedBtc   decimal.Decimal
	Confirmations int64
	Confirmed     bool
}

func (w *Watcher) ProviderNames() []string {
	names := make([]string, 0, len(w.providers))
	for _, p := range w.providers {
		names = append(names, p.Name())
	}
	return names
}

// CheckAddress scans confirmed and unconfirmed outputs paying the address.
// Providers are tried in order with a rate-limit delay before each call and
// a longer delay before falling back; the first provider that answers
// decides the result.
func (w *Watcher) CheckAddress(ctx context.Context, address string, expectedBtc decimal.Decimal) (*CheckResult, error) {
	logger := logging.With(zap.String("address", address))

	var lastErr error
	for i, provider := range w.providers {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.fallbackDelay):
			}
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var txs []AddressTx
		err := retry.Do(
			func() error {
				var txErr error
				txs, txErr = provider.AddressTransactions(ctx, address)
				return txErr
			},
			retry.Attempts(w.retryAttempts),
			retry.Delay(500*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.OnRetry(func(n uint, err error) {
				logger.Warn("Provider retry attempt",
					zap.String("provider", provider.Name()),
					zap.Uint("attempt", n),
					zap.Error(err))
			}),
		)
		if err != nil {
			logger.Warn("Provider failed, falling through",
				zap.String("provider", provider.Name()),
				zap.Error(err))
			lastErr = err
			continue
		}

		candidate := selectCandidate(txs, expectedBtc)
		if candidate == nil {
			logger.Debug("No payment observed",
				zap.String("provider", provider.Name()),
				zap.Int("outputs", len(txs)))
			return &CheckResult{Found: false}, nil
		}

		result := &CheckResult{
			Found:         true,
			Txid:          candidate.Txid,
			ReceivedBtc:   candidate.Value,
			Confirmations: candidate.Confirmations,
			Confirmed:     candidate.Confirmations >= w.confirmations,
		}
		logger.Info("Payment observed",
			zap.String("provider", provider.Name()),
			zap.String("txid", result.Txid),
			zap.String("received_btc", result.ReceivedBtc.String()),
			zap.Int64("confirmations", result.Confirmations))
		return result, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// Ping checks every provider and reports healthy when at least one answers;
// the watcher itself only needs one provider to function.
func (w *Watcher) Ping(ctx context.Context) error {
	var lastErr error
	healthy := 0
	for _, provider := range w.providers {
		if err := provider.Ping(ctx); err != nil {
			logging.Warn("Provider ping failed",
				zap.String("provider", provider.Name()),
				zap.Error(err))
			lastErr = err
			continue
		}
		healthy++
	}
	if healthy == 0 {
		return fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
	}
	return nil
}

// selectCandidate picks the output the reconciler should judge. An output
// within matchEpsilon of the expected amount wins (most-confirmed first);
// otherwise the largest transfer is surfaced so economic tolerance can
// classify the under/overpayment.
func selectCandidate(txs []AddressTx, expectedBtc decimal.Decimal) *AddressTx {
	if len(txs) == 0 {
		return nil
	}

	var exact *AddressTx
	for i := range txs {
		tx := &txs[i]
		if tx.Value.Sub(expectedBtc).Abs().LessThanOrEqual(matchEpsilon) {
			if exact == nil || tx.Confirmations > exact.Confirmations {
				exact = tx
			}
		}
	}
	if exact != nil {
		return exact
	}

	best := &txs[0]
	for i := 1; i < len(txs); i++ {
		if txs[i].Value.GreaterThan(best.Value) {
			best = &txs[i]
		}
	}
	return best
}
