package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// BlockCypherProvider speaks the BlockCypher v1 API.
type BlockCypherProvider struct {
	baseURL string
	client  *http.Client
}

func NewBlockCypher(baseURL string, timeout time.Duration) *BlockCypherProvider {
	return &BlockCypherProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *BlockCypherProvider) Name() string { return "blockcypher" }

type blockCypherAddress struct {
	Txs []struct {
		Hash          string `json:"hash"`
		Confirmations int64  `json:"confirmations"`
		Outputs       []struct {
			Value     int64    `json:"value"` // satoshis
			Addresses []string `json:"addresses"`
		} `json:"outputs"`
	} `json:"txs"`
}

func (p *BlockCypherProvider) AddressTransactions(ctx context.Context, address string) ([]AddressTx, error) {
	url := fmt.Sprintf("%s/addrs/%s/full?limit=50&includeHex=false", p.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blockcypher: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blockcypher: returned status %d", resp.StatusCode)
	}

	var decoded blockCypherAddress
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("blockcypher: failed to decode response: %w", err)
	}

	var result []AddressTx
	for _, tx := range decoded.Txs {
		for _, out := range tx.Outputs {
			if !containsAddress(out.Addresses, address) {
				continue
			}
			result = append(result, AddressTx{
				Txid:          tx.Hash,
				Value:         btcFromSats(out.Value),
				Confirmations: tx.Confirmations,
				Confirmed:     tx.Confirmations > 0,
			})
		}
	}
	return result, nil
}

// Ping hits the chain root endpoint, which returns current height metadata.
func (p *BlockCypherProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("blockcypher: ping failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("blockcypher: ping returned status %d", resp.StatusCode)
	}
	return nil
}

func containsAddress(addrs []string, address string) bool {
	for _, a := range addrs {
		if a == address {
			return true
		}
	}
	return false
}
