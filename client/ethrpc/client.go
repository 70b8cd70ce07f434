// Package ethrpc wraps the blockchain node RPC surface the scan
// pipeline needs. Callers receive classified errors (see Classify) so
// retry loops can distinguish rate limits and oversized ranges from
// genuine failures.
package ethrpc

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-errors/errors"
)

type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
	Close() error
}

// Receipt is the slice of a transaction receipt the attribution engine
// needs. The standard typed receipt drops the sender address, so this
// is decoded straight from the RPC payload.
type Receipt struct {
	TxHash common.Hash    `json:"transactionHash"`
	From   common.Address `json:"from"`
	Logs   []*types.Log   `json:"logs"`
}

const DefaultRequestTimeout = 30 * time.Second

type Config struct {
	URL            string
	RequestTimeout time.Duration
}

type nodeClient struct {
	rpc *rpc.Client
	eth *ethclient.Client
	cfg Config
	log *slog.Logger
}

// Dial connects to the node and validates it is reachable before
// returning, so the rest of the pipeline can assume a live endpoint.
func Dial(log *slog.Logger, cfg Config) (Client, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	raw, err := rpc.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Errorf("failed to dial rpc node: %w", err)
	}
	c := &nodeClient{
		rpc: raw,
		eth: ethclient.NewClient(raw),
		cfg: cfg,
		log: log.With("module", "ethrpc"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if _, err := c.BlockNumber(ctx); err != nil {
		raw.Close()
		return nil, errors.Errorf("failed to connect to rpc node: %w", err)
	}
	c.log.Info("Connected to rpc node", "url", cfg.URL)
	return c, nil
}

func (c *nodeClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

func (c *nodeClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

func (c *nodeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.FilterLogs(ctx, q)
}

func (c *nodeClient) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.CodeAt(ctx, contract, blockNumber)
}

func (c *nodeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var r *Receipt
	if err := c.rpc.CallContext(ctx, &r, "eth_getTransactionReceipt", txHash); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *nodeClient) Close() error {
	c.rpc.Close()
	return nil
}
