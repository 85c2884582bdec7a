package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/wabiview/wabiview/internal/circuitbreaker"
	"github.com/wabiview/wabiview/internal/errors"
)

const bitcoindProvider = "bitcoind"

// BitcoinRPCConfig configures the node client
type BitcoinRPCConfig struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
	// Breaker, when set, fails calls fast while the node is down
	Breaker *circuitbreaker.CircuitBreaker
}

// BitcoinRPCClient talks to Bitcoin Core over HTTP POST JSON-RPC.
// It is the authoritative source for block, transaction and mempool data.
type BitcoinRPCClient struct {
	rpc     *rpcclient.Client
	timeout time.Duration
	health  *healthTracker
	breaker *circuitbreaker.CircuitBreaker
}

// NewBitcoinRPCClient creates a node client. No connection is made until the first call.
func NewBitcoinRPCClient(cfg BitcoinRPCConfig) (*BitcoinRPCClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid bitcoind url %q", cfg.URL)
	}

	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         u.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   u.Scheme != "https",
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bitcoind client: %w", err)
	}

	return &BitcoinRPCClient{
		rpc:     rpc,
		timeout: timeout,
		health:  newHealthTracker(bitcoindProvider, cfg.URL),
		breaker: cfg.Breaker,
	}, nil
}

// NewNodeBreaker returns a breaker that ignores not-found answers
func NewNodeBreaker(maxFailures int, cooldown time.Duration) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Name:             bitcoindProvider,
		MaxFailures:      maxFailures,
		Timeout:          cooldown,
		HalfOpenMaxCalls: 1,
		IsFailure: func(err error) bool {
			return err != nil && !errors.IsNotFound(err)
		},
	})
}

// Close stops the client's request goroutines
func (c *BitcoinRPCClient) Close() {
	c.rpc.Shutdown()
}

// call performs one RPC, through the breaker when one is configured.
// txid names the transaction for not-found errors and may be empty.
func (c *BitcoinRPCClient) call(ctx context.Context, method, txid string, fn func() error) error {
	if c.breaker == nil {
		return c.do(ctx, method, txid, fn)
	}
	err := c.breaker.Execute(func() error {
		return c.do(ctx, method, txid, fn)
	})
	if stderrors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return errors.NewServiceUnavailableError(bitcoindProvider)
	}
	return err
}

// do runs fn under the client timeout and categorizes its error.
// rpcclient has no context support, so an abandoned call finishes in the background.
func (c *BitcoinRPCClient) do(ctx context.Context, method, txid string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		// Not-found answers still mean the node is up
		if errors.IsNotFound(err) {
			c.health.record(start, nil)
			return
		}
		c.health.record(start, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case <-ctx.Done():
		return errors.NewProviderTimeoutError(bitcoindProvider)
	case err = <-done:
	}
	if err == nil {
		return nil
	}

	var rpcErr *btcjson.RPCError
	if stderrors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo && txid != "" {
		return errors.NewNotFoundError("transaction", txid)
	}
	return errors.NewProviderError(bitcoindProvider, fmt.Errorf("%s: %w", method, err))
}

// GetBlockCount returns the height of the best chain
func (c *BitcoinRPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	err := c.call(ctx, "getblockcount", "", func() (err error) {
		height, err = c.rpc.GetBlockCount()
		return err
	})
	if err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlockHash returns the hash of the block at height
func (c *BitcoinRPCClient) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash *chainhash.Hash
	err := c.call(ctx, "getblockhash", "", func() (err error) {
		hash, err = c.rpc.GetBlockHash(height)
		return err
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// GetBlock returns the verbose block header for hash
func (c *BitcoinRPCClient) GetBlock(ctx context.Context, blockHash string) (*btcjson.GetBlockVerboseResult, error) {
	hash, err := chainhash.NewHashFromStr(blockHash)
	if err != nil {
		return nil, errors.NewInvalidParameterError("blockhash", err.Error())
	}
	var block *btcjson.GetBlockVerboseResult
	err = c.call(ctx, "getblock", "", func() (err error) {
		block, err = c.rpc.GetBlockVerbose(hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// GetRawTransaction returns the decoded transaction for txid.
// A transaction unknown to the node yields a not-found error.
func (c *BitcoinRPCClient) GetRawTransaction(ctx context.Context, txid string) (*btcjson.TxRawResult, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, errors.NewInvalidTxIDError(txid)
	}
	var tx *btcjson.TxRawResult
	err = c.call(ctx, "getrawtransaction", txid, func() (err error) {
		tx, err = c.rpc.GetRawTransactionVerbose(hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetRawMempool returns the ids of all mempool transactions
func (c *BitcoinRPCClient) GetRawMempool(ctx context.Context) ([]string, error) {
	var hashes []*chainhash.Hash
	err := c.call(ctx, "getrawmempool", "", func() (err error) {
		hashes, err = c.rpc.GetRawMempool()
		return err
	})
	if err != nil {
		return nil, err
	}

	txids := make([]string, 0, len(hashes))
	for _, h := range hashes {
		txids = append(txids, h.String())
	}
	return txids, nil
}

// GetMempoolInfo returns mempool size statistics
func (c *BitcoinRPCClient) GetMempoolInfo(ctx context.Context) (*btcjson.GetMempoolInfoResult, error) {
	var info *btcjson.GetMempoolInfoResult
	err := c.call(ctx, "getmempoolinfo", "", func() (err error) {
		info, err = c.rpc.GetMempoolInfo()
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// IsHealthy reports whether the node answers getblockcount
func (c *BitcoinRPCClient) IsHealthy(ctx context.Context) bool {
	_, err := c.GetBlockCount(ctx)
	return err == nil
}

// Health returns request statistics for the node, with the breaker state when one is configured
func (c *BitcoinRPCClient) Health() *ProviderHealth {
	h := c.health.Snapshot()
	if c.breaker != nil {
		stats := c.breaker.GetStats()
		h.CircuitState = string(stats.State)
		if stats.State == circuitbreaker.StateOpen {
			h.IsHealthy = false
		}
	}
	return h
}
