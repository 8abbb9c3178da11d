package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// EsploraProvider speaks the Esplora REST API, served by both
// blockstream.info and mempool.space.
type EsploraProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewEsplora(name string, baseURL string, timeout time.Duration) *EsploraProvider {
	return &EsploraProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *EsploraProvider) Name() string { return p.name }

type esploraTx struct {
	Txid   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptpubkeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"` // satoshis
	} `json:"vout"`
}

func (p *EsploraProvider) AddressTransactions(ctx context.Context, address string) ([]AddressTx, error) {
	tip, err := p.tipHeight(ctx)
	if err != nil {
		return nil, err
	}

	var txs []esploraTx
	url := fmt.Sprintf("%s/address/%s/txs", p.baseURL, address)
	if err := p.getJSON(ctx, url, &txs); err != nil {
		return nil, err
	}

	var result []AddressTx
	for _, tx := range txs {
		var confirmations int64
		if tx.Status.Confirmed && tx.Status.BlockHeight > 0 {
			confirmations = tip - tx.Status.BlockHeight + 1
			if confirmations < 1 {
				confirmations = 1
			}
		}

		for _, out := range tx.Vout {
			if out.ScriptpubkeyAddress != address {
				continue
			}
			result = append(result, AddressTx{
				Txid:          tx.Txid,
				Value:         btcFromSats(out.Value),
				Confirmations: confirmations,
				Confirmed:     tx.Status.Confirmed,
			})
		}
	}
	return result, nil
}

// Ping verifies the explorer is reachable and answering.
func (p *EsploraProvider) Ping(ctx context.Context) error {
	_, err := p.tipHeight(ctx)
	return err
}

func (p *EsploraProvider) tipHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to get tip height: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s: tip height returned status %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to read tip height: %w", p.name, err)
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: unexpected tip height %q: %w", p.name, body, err)
	}
	return height, nil
}

func (p *EsploraProvider) getJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: returned status %d", p.name, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", p.name, err)
	}
	return nil
}
