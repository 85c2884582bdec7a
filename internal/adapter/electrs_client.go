package adapter

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/wabiview/wabiview/internal/errors"
)

const electrsProvider = "electrs"

// IndexerTx is a transaction as returned by the Electrs REST API
type IndexerTx struct {
	TxID     string          `json:"txid"`
	Version  int32           `json:"version"`
	Locktime uint32          `json:"locktime"`
	Size     int             `json:"size"`
	Weight   int             `json:"weight"`
	Fee      int64           `json:"fee"`
	Vin      []IndexerInput  `json:"vin"`
	Vout     []IndexerOutput `json:"vout"`
	Status   IndexerTxStatus `json:"status"`
}

// IndexerInput is a spent output reference. Prevout carries the resolved value.
type IndexerInput struct {
	TxID    string         `json:"txid"`
	Vout    uint32         `json:"vout"`
	Prevout *IndexerOutput `json:"prevout"`
}

// IndexerOutput is a transaction output, value in satoshis
type IndexerOutput struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	ScriptPubKeyType    string `json:"scriptpubkey_type"`
	Value               int64  `json:"value"`
}

// IndexerTxStatus is the confirmation status of a transaction
type IndexerTxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// ElectrsClient performs indexed lookups against an Electrs REST endpoint
type ElectrsClient struct {
	baseURL    string
	httpClient *http.Client
	health     *healthTracker
}

// NewElectrsClient creates an indexer client
func NewElectrsClient(baseURL string, timeout time.Duration) *ElectrsClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &ElectrsClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		health:     newHealthTracker(electrsProvider, baseURL),
	}
}

// GetTransaction returns a transaction with resolved prevouts
func (c *ElectrsClient) GetTransaction(ctx context.Context, txid string) (*IndexerTx, error) {
	var tx IndexerTx
	if err := c.getJSON(ctx, "/tx/"+txid, "transaction", txid, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetRawTransaction returns the hex serialization of a transaction
func (c *ElectrsClient) GetRawTransaction(ctx context.Context, txid string) (string, error) {
	body, err := c.get(ctx, "/tx/"+txid+"/hex", "transaction", txid)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// GetTransactionStatus returns the confirmation status of a transaction
func (c *ElectrsClient) GetTransactionStatus(ctx context.Context, txid string) (*IndexerTxStatus, error) {
	var status IndexerTxStatus
	if err := c.getJSON(ctx, "/tx/"+txid+"/status", "transaction", txid, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetAddressTransactions returns the recent transaction history of an address
func (c *ElectrsClient) GetAddressTransactions(ctx context.Context, address string) ([]IndexerTx, error) {
	var txs []IndexerTx
	if err := c.getJSON(ctx, "/address/"+address+"/txs", "address", address, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// GetTipHeight returns the height of the indexer's best block
func (c *ElectrsClient) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/blocks/tip/height", "block", "tip")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, errors.NewProviderError(electrsProvider, fmt.Errorf("invalid tip height: %w", err))
	}
	return height, nil
}

// IsHealthy reports whether the indexer returns a tip height
func (c *ElectrsClient) IsHealthy(ctx context.Context) bool {
	_, err := c.GetTipHeight(ctx)
	return err == nil
}

// Health returns request statistics for the indexer
func (c *ElectrsClient) Health() *ProviderHealth {
	return c.health.Snapshot()
}

// DecodeRawTransaction parses a hex-serialized transaction
func DecodeRawTransaction(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return &tx, nil
}

func (c *ElectrsClient) getJSON(ctx context.Context, path, resource, id string, out interface{}) error {
	body, err := c.get(ctx, path, resource, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.NewProviderError(electrsProvider, fmt.Errorf("%s: failed to decode response: %w", path, err))
	}
	return nil
}

func (c *ElectrsClient) get(ctx context.Context, path, resource, id string) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if errors.IsNotFound(err) {
			c.health.record(start, nil)
			return
		}
		c.health.record(start, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, errors.NewProviderTimeoutError(electrsProvider)
		}
		return nil, errors.NewProviderError(electrsProvider, fmt.Errorf("%s: %w", path, err))
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewProviderError(electrsProvider, fmt.Errorf("%s: failed to read response: %w", path, err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewNotFoundError(resource, id)
	case resp.StatusCode == http.StatusBadRequest:
		return nil, errors.NewInvalidParameterError(resource, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errors.NewProviderError(electrsProvider, fmt.Errorf("%s: status %d", path, resp.StatusCode))
	}
	return body, nil
}
