package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UTXO is one unspent output as reported by the block explorer.
type UTXO struct {
	// TxID is the funding transaction id.
	TxID string `json:"txid"`

	// Vout is the output index.
	Vout uint32 `json:"vout"`

	// Value is the output value in satoshis.
	Value int64 `json:"value"`
}

// ExplorerClient talks to a mempool.space style REST API to look up utxos
// and broadcast transactions.
type ExplorerClient struct {
	baseURL string
	client  http.Client
}

// NewExplorerClient creates an explorer client for the given API base URL,
// e.g. https://mempool.space/signet/api.
func NewExplorerClient(baseURL string) *ExplorerClient {
	return &ExplorerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// UTXOs returns the unspent outputs of an address.
func (c *ExplorerClient) UTXOs(ctx context.Context, addr string) ([]UTXO,
	error) {

	url := fmt.Sprintf("%s/address/%s/utxo", c.baseURL, addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch utxos: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch utxos: %s", resp.Status)
	}

	var utxos []UTXO
	if err := json.NewDecoder(resp.Body).Decode(&utxos); err != nil {
		return nil, fmt.Errorf("decode utxos: %w", err)
	}

	return utxos, nil
}

// BroadcastTx submits a raw transaction and returns the txid reported by
// the explorer.
func (c *ExplorerClient) BroadcastTx(ctx context.Context, txHex string) (
	string, error) {

	url := c.baseURL + "/tx"
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, strings.NewReader(txHex),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}

	txid := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast rejected: %s: %s",
			resp.Status, txid)
	}

	// A txid is a 32 byte hash, anything else is an error message the
	// explorer returned with status 200.
	if len(txid) != 64 {
		return "", fmt.Errorf("broadcast rejected: %s", txid)
	}

	return txid, nil
}
