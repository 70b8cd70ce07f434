// Package ethrpc_mock provides a hand-rolled mock of the node client
// interface for tests: assign the Func fields you need, leave the rest
// nil.
package ethrpc_mock

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taxscan/tax-indexer/client/ethrpc"
)

type ClientMock struct {
	BlockNumberFunc        func(ctx context.Context) (uint64, error)
	FilterLogsFunc         func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CodeAtFunc             func(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	TransactionReceiptFunc func(ctx context.Context, txHash common.Hash) (*ethrpc.Receipt, error)
	CloseFunc              func() error
}

func (m *ClientMock) BlockNumber(ctx context.Context) (uint64, error) {
	return m.BlockNumberFunc(ctx)
}

func (m *ClientMock) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return m.FilterLogsFunc(ctx, q)
}

func (m *ClientMock) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return m.CodeAtFunc(ctx, contract, blockNumber)
}

func (m *ClientMock) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethrpc.Receipt, error) {
	return m.TransactionReceiptFunc(ctx, txHash)
}

func (m *ClientMock) Close() error {
	if m.CloseFunc == nil {
		return nil
	}
	return m.CloseFunc()
}
