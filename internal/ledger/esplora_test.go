package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testAddr = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"

func newEsploraServer(t *testing.T, tipHeight int64, txsJSON string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", tipHeight)
	})
	mux.HandleFunc("/address/"+testAddr+"/txs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, txsJSON)
	})
	return httptest.NewServer(mux)
}

func TestEsploraNormalizesOutputs(t *testing.T) {
	txs := fmt.Sprintf(`[
		{"txid":"aa11","status":{"confirmed":true,"block_height":700000},
		 "vout":[{"scriptpubkey_address":"%s","value":1000000},
		         {"scriptpubkey_address":"bc1qother","value":50000}]},
		{"txid":"bb22","status":{"confirmed":false},
		 "vout":[{"scriptpubkey_address":"%s","value":975000}]}
	]`, testAddr, testAddr)

	srv := newEsploraServer(t, 700002, txs)
	defer srv.Close()

	provider := NewEsplora("esplora-test", srv.URL, 5*time.Second)
	got, err := provider.AddressTransactions(context.Background(), testAddr)
	require.NoError(t, err)
	require.Len(t, got, 2, "outputs to other addresses must be dropped")

	require.Equal(t, "aa11", got[0].Txid)
	require.True(t, got[0].Value.Equal(decimal.RequireFromString("0.01")))
	require.EqualValues(t, 3, got[0].Confirmations)
	require.True(t, got[0].Confirmed)

	require.Equal(t, "bb22", got[1].Txid)
	require.True(t, got[1].Value.Equal(decimal.RequireFromString("0.00975")))
	require.EqualValues(t, 0, got[1].Confirmations)
	require.False(t, got[1].Confirmed)
}

func TestEsploraNon2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	provider := NewEsplora("esplora-test", srv.URL, 5*time.Second)
	_, err := provider.AddressTransactions(context.Background(), testAddr)
	require.Error(t, err)
}

func TestBlockCypherNormalizesOutputs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/addrs/"+testAddr+"/full", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"txs":[
			{"hash":"cc33","confirmations":6,
			 "outputs":[{"value":1019000,"addresses":["%s"]},
			            {"value":1,"addresses":["bc1qother"]}]},
			{"hash":"dd44","confirmations":0,
			 "outputs":[{"value":500,"addresses":["%s"]}]}
		]}`, testAddr, testAddr)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	provider := NewBlockCypher(srv.URL, 5*time.Second)
	got, err := provider.AddressTransactions(context.Background(), testAddr)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, "cc33", got[0].Txid)
	require.True(t, got[0].Value.Equal(decimal.RequireFromString("0.01019")))
	require.EqualValues(t, 6, got[0].Confirmations)
	require.True(t, got[0].Confirmed)

	require.False(t, got[1].Confirmed)
}
