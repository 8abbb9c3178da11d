package payments

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/veridocs/btcpay/internal/db"
	"github.com/veridocs/btcpay/internal/ledger"
)

const testAddress = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"

type fakeStore struct {
	orders   map[int64]*db.Order
	payments map[int64]*db.Payment
	addrs    map[string]*db.DerivedAddress
	escrows  map[int64]*db.EscrowRecord

	settlements []db.Settlement
	confUpdates []int64
	writes      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[int64]*db.Order),
		payments: make(map[int64]*db.Payment),
		addrs:    make(map[string]*db.DerivedAddress),
		escrows:  make(map[int64]*db.EscrowRecord),
	}
}

func (s *fakeStore) addOrder(id int64, fiat, price float64, reservedUntil *time.Time, confirmed bool) {
	s.orders[id] = &db.Order{ID: id, ExpectedFiatAmount: fiat, PriceAtOrderTime: price, Status: db.OrderStatusPendingPayment}
	s.payments[id] = &db.Payment{ID: id * 100, OrderID: id, Address: testAddress, Status: db.PaymentStatusPending}
	s.addrs[testAddress] = &db.DerivedAddress{
		Address:          testAddress,
		ReservedUntil:    reservedUntil,
		PaymentConfirmed: confirmed,
	}
}

func (s *fakeStore) OrderByID(ctx context.Context, id int64) (*db.Order, error) {
	return s.orders[id], nil
}

func (s *fakeStore) PaymentByOrderID(ctx context.Context, orderID int64) (*db.Payment, error) {
	return s.payments[orderID], nil
}

func (s *fakeStore) AddressByAddress(ctx context.Context, address string) (*db.DerivedAddress, error) {
	return s.addrs[address], nil
}

func (s *fakeStore) UpdatePaymentConfirmations(ctx context.Context, paymentID int64, confirmations int64) error {
	s.writes++
	s.confUpdates = append(s.confUpdates, confirmations)
	return nil
}

func (s *fakeStore) SettlePayment(ctx context.Context, st db.Settlement) error {
	s.writes++
	s.settlements = append(s.settlements, st)

	addr := s.addrs[st.Address]
	addr.IsUsed = true
	addr.PaymentConfirmed = true

	payment := s.payments[st.OrderID]
	payment.Status = db.PaymentStatusPaid
	payment.Txid = st.Txid
	payment.Confirmations = st.Confirmations

	s.orders[st.OrderID].Status = db.OrderStatusProcessing
	s.escrows[st.OrderID] = &db.EscrowRecord{
		OrderID: st.OrderID,
		Amount:  st.EscrowAmount,
		Status:  db.EscrowStatusHeld,
		HeldAt:  time.Now(),
	}
	return nil
}

func (s *fakeStore) EscrowByOrderID(ctx context.Context, orderID int64) (*db.EscrowRecord, error) {
	return s.escrows[orderID], nil
}

func (s *fakeStore) CloseEscrow(ctx context.Context, orderID int64, status db.EscrowStatus, orderStatus db.OrderStatus) error {
	escrow := s.escrows[orderID]
	if escrow == nil || escrow.Status != db.EscrowStatusHeld {
		return db.ErrEscrowNotHeld
	}
	s.writes++
	escrow.Status = status
	s.orders[orderID].Status = orderStatus
	return nil
}

func (s *fakeStore) OldestPendingPayments(ctx context.Context, limit int) ([]db.Payment, error) {
	var out []db.Payment
	for _, p := range s.payments {
		if p.Status == db.PaymentStatusPending && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

type fakeLedger struct {
	result *ledger.CheckResult
	err    error
	calls  int
}

func (l *fakeLedger) CheckAddress(ctx context.Context, address string, expectedBtc decimal.Decimal) (*ledger.CheckResult, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.result, nil
}

func found(value string, confirmations int64) *ledger.CheckResult {
	return &ledger.CheckResult{
		Found:         true,
		Txid:          "txid-1",
		ReceivedBtc:   decimal.RequireFromString(value),
		Confirmations: confirmations,
		Confirmed:     confirmations >= 1,
	}
}

func testReconciler(store Store, chain Ledger) *Reconciler {
	return NewReconciler(store, chain, Config{
		TolerancePct:          2.0,
		ConfirmationsRequired: 1,
		PendingPageSize:       10,
	})
}

func TestVerifyIdempotentAfterSettlement(t *testing.T) {
	store := newFakeStore()
	store.addOrder(1, 100, 10000, nil, true)
	store.payments[1].Confirmations = 3
	store.payments[1].Txid = "earlier-txid"
	chain := &fakeLedger{result: found("0.01", 3)}

	res, err := testReconciler(store, chain).Verify(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.EqualValues(t, 3, res.Confirmations)
	require.Equal(t, "earlier-txid", res.Txid)
	require.Zero(t, store.writes, "re-verifying a confirmed payment must not write")
	require.Zero(t, chain.calls, "re-verifying a confirmed payment must not query the ledger")
}

func TestVerifyExpiryPrecedesLedgerQuery(t *testing.T) {
	store := newFakeStore()
	expired := time.Now().Add(-time.Minute)
	store.addOrder(2, 100, 10000, &expired, false)
	// A matching payment exists on chain, but expiry must win.
	chain := &fakeLedger{result: found("0.01", 5)}

	_, err := testReconciler(store, chain).Verify(context.Background(), 2)

	var expErr *ExpirationError
	require.ErrorAs(t, err, &expErr)
	require.Equal(t, testAddress, expErr.Address)
	require.Zero(t, chain.calls, "expiry check must happen before any ledger query")
	require.Zero(t, store.writes)
	require.Equal(t, CodeAddressExpired, ErrorCode(err))
}

func TestVerifyToleranceBoundary(t *testing.T) {
	// expectedBtc = 100 / 10000 = 0.01, tolerance 2% => accept [0.0098, 0.0102]
	cases := []struct {
		received      string
		accept        bool
		wantShortfall string
	}{
		{"0.00975", false, "0.00025"},
		{"0.0098", true, ""},
		{"0.01", true, ""},
		{"0.01019", true, ""},
		{"0.0102", true, ""},
		{"0.0103", false, "-0.0003"},
	}

	for _, tc := range cases {
		t.Run(tc.received, func(t *testing.T) {
			store := newFakeStore()
			store.addOrder(3, 100, 10000, nil, false)
			chain := &fakeLedger{result: found(tc.received, 2)}

			res, err := testReconciler(store, chain).Verify(context.Background(), 3)

			if tc.accept {
				require.NoError(t, err)
				require.True(t, res.Verified)
				require.Len(t, store.settlements, 1)
				return
			}

			var mismatch *AmountMismatchError
			require.ErrorAs(t, err, &mismatch)
			require.True(t, mismatch.ExpectedBtc.Equal(decimal.RequireFromString("0.01")))
			require.True(t, mismatch.ReceivedBtc.Equal(decimal.RequireFromString(tc.received)))
			require.True(t, mismatch.Shortfall.Equal(decimal.RequireFromString(tc.wantShortfall)),
				"shortfall: got %s want %s", mismatch.Shortfall, tc.wantShortfall)
			require.Zero(t, store.writes, "a mismatch must not mutate state")
			require.Equal(t, CodeAmountMismatch, ErrorCode(err))
		})
	}
}

func TestVerifyAwaitingConfirmations(t *testing.T) {
	store := newFakeStore()
	store.addOrder(4, 100, 10000, nil, false)
	chain := &fakeLedger{result: found("0.01", 1)}

	r := NewReconciler(store, chain, Config{TolerancePct: 2.0, ConfirmationsRequired: 3})
	res, err := r.Verify(context.Background(), 4)
	require.NoError(t, err)
	require.False(t, res.Verified)
	require.EqualValues(t, 1, res.Confirmations)
	require.Equal(t, []int64{1}, store.confUpdates)
	require.Empty(t, store.settlements, "below threshold only the confirmation count is persisted")
}

func TestVerifyNoPaymentYet(t *testing.T) {
	store := newFakeStore()
	store.addOrder(5, 100, 10000, nil, false)
	chain := &fakeLedger{result: &ledger.CheckResult{Found: false}}

	res, err := testReconciler(store, chain).Verify(context.Background(), 5)
	require.NoError(t, err, "no payment yet is not an error")
	require.False(t, res.Verified)
	require.Zero(t, store.writes)
}

func TestVerifyProviderOutage(t *testing.T) {
	store := newFakeStore()
	store.addOrder(6, 100, 10000, nil, false)
	chain := &fakeLedger{err: fmt.Errorf("%w: timeouts", ledger.ErrAllProvidersFailed)}

	_, err := testReconciler(store, chain).Verify(context.Background(), 6)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, CodeProviderUnavailable, ErrorCode(err))
	require.Zero(t, store.writes)
}

func TestVerifyOrderNotFound(t *testing.T) {
	store := newFakeStore()
	chain := &fakeLedger{}

	_, err := testReconciler(store, chain).Verify(context.Background(), 999)
	require.ErrorIs(t, err, ErrOrderNotFound)
	require.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestVerifyThenReVerify(t *testing.T) {
	store := newFakeStore()
	store.addOrder(7, 100, 10000, nil, false)
	chain := &fakeLedger{result: found("0.01", 2)}
	r := testReconciler(store, chain)

	res, err := r.Verify(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.Len(t, store.settlements, 1)
	require.Equal(t, db.EscrowStatusHeld, store.escrows[7].Status)
	firstCalls := chain.calls
	firstWrites := store.writes

	res, err = r.Verify(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.Equal(t, firstCalls, chain.calls)
	require.Equal(t, firstWrites, store.writes)
}

func TestVerifySkipsCancelledOrder(t *testing.T) {
	store := newFakeStore()
	store.addOrder(10, 100, 10000, nil, false)
	store.orders[10].Status = db.OrderStatusCancelled
	// A matching payment sits on chain, but a closed order never moves
	// forward again.
	chain := &fakeLedger{result: found("0.01", 5)}

	res, err := testReconciler(store, chain).Verify(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, res.Verified)
	require.Zero(t, chain.calls, "a closed order must not be checked against the ledger")
	require.Zero(t, store.writes)
	require.Empty(t, store.settlements)
	require.Equal(t, db.OrderStatusCancelled, store.orders[10].Status)
	require.Nil(t, store.escrows[10])
}

func TestEscrowReleaseAndRefundMutuallyExclusive(t *testing.T) {
	store := newFakeStore()
	store.addOrder(8, 100, 10000, nil, false)
	chain := &fakeLedger{result: found("0.01", 2)}
	r := testReconciler(store, chain)

	_, err := r.Verify(context.Background(), 8)
	require.NoError(t, err)

	require.NoError(t, r.ReleaseEscrow(context.Background(), 8))
	require.Equal(t, db.EscrowStatusReleased, store.escrows[8].Status)
	require.Equal(t, db.OrderStatusPaid, store.orders[8].Status)

	err = r.RefundEscrow(context.Background(), 8)
	var stateErr *EscrowStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, db.EscrowStatusReleased, store.escrows[8].Status)
}

func TestEscrowNotFound(t *testing.T) {
	store := newFakeStore()
	chain := &fakeLedger{}

	err := testReconciler(store, chain).ReleaseEscrow(context.Background(), 404)
	require.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestCheckPendingContainsFailures(t *testing.T) {
	store := newFakeStore()
	store.addOrder(9, 100, 10000, nil, false)
	chain := &fakeLedger{result: found("0.5", 2)} // wildly over tolerance

	res, err := testReconciler(store, chain).CheckPending(context.Background())
	require.NoError(t, err, "per-item mismatch must not abort the sweep")
	require.Equal(t, 1, res.Checked)
	require.Equal(t, 0, res.Updated)

	chain.result = found("0.01", 2)
	res, err = testReconciler(store, chain).CheckPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Checked)
	require.Equal(t, 1, res.Updated)
}
