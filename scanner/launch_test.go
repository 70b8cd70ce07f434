package scanner_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-errors/errors"
	"github.com/stretchr/testify/require"

	ethrpc_mock "github.com/taxscan/tax-indexer/mocks/ethrpc"
	"github.com/taxscan/tax-indexer/scanner"
)

// chainWithToken fakes a chain where the token contract is deployed at
// deployBlock and emits Transfer events at the given blocks.
func chainWithToken(head, deployBlock uint64, transferBlocks ...uint64) *ethrpc_mock.ClientMock {
	return &ethrpc_mock.ClientMock{
		BlockNumberFunc: func(_ context.Context) (uint64, error) {
			return head, nil
		},
		CodeAtFunc: func(_ context.Context, _ common.Address, block *big.Int) ([]byte, error) {
			if block.Uint64() >= deployBlock {
				return []byte{0x60, 0x80}, nil
			}
			return nil, nil
		},
		FilterLogsFunc: func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
			var logs []types.Log
			for _, b := range transferBlocks {
				if b >= from && b <= to {
					logs = append(logs, types.Log{BlockNumber: b})
				}
			}
			return logs, nil
		},
	}
}

func TestLocateOnChainFallback(t *testing.T) {
	// Deployed at 500, minted at 520, first trade at 560.
	node := chainWithToken(1000, 500, 520, 560)
	locator := scanner.NewLocator(testLogger(), node, nil, scanner.LocatorConfig{
		Window:       50,
		RetryBackoff: 1,
	})

	point, err := locator.Locate(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Equal(t, uint64(520), point.PrelaunchBlock)
	require.Equal(t, uint64(560), point.LaunchBlock)
}

func TestLocateBinarySearchProbeCount(t *testing.T) {
	node := chainWithToken(1000, 500, 520, 560)
	probes := 0
	inner := node.CodeAtFunc
	node.CodeAtFunc = func(ctx context.Context, token common.Address, block *big.Int) ([]byte, error) {
		probes++
		return inner(ctx, token, block)
	}
	locator := scanner.NewLocator(testLogger(), node, nil, scanner.LocatorConfig{
		Window:       50,
		RetryBackoff: 1,
	})

	_, err := locator.Locate(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	// log2(1000) ~ 10; a linear probe would need hundreds.
	require.LessOrEqual(t, probes, 12)
}

func TestLocateFastPathFromPoolCreation(t *testing.T) {
	node := chainWithToken(1000, 500, 520, 560)
	probes := 0
	inner := node.CodeAtFunc
	node.CodeAtFunc = func(ctx context.Context, token common.Address, block *big.Int) ([]byte, error) {
		probes++
		return inner(ctx, token, block)
	}
	pools := &poolLookupMock{
		earliest: time.Now().Add(-200 * time.Second),
	}
	locator := scanner.NewLocator(testLogger(), node, pools, scanner.LocatorConfig{
		BlockTime:          2 * time.Second,
		SafetyMarginBlocks: 10,
	})

	point, err := locator.Locate(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	// 200s at 2s per block is 100 blocks ago, minus the safety margin.
	require.Equal(t, uint64(890), point.LaunchBlock)
	// The fast path cannot split mint from first trade.
	require.Equal(t, point.LaunchBlock, point.PrelaunchBlock)
	// No binary search happened.
	require.Zero(t, probes)
}

func TestLocateFastPathErrorFallsBack(t *testing.T) {
	node := chainWithToken(1000, 500, 520, 560)
	pools := &poolLookupMock{err: errors.New("upstream timeout")}
	locator := scanner.NewLocator(testLogger(), node, pools, scanner.LocatorConfig{
		Window:       50,
		RetryBackoff: 1,
	})

	point, err := locator.Locate(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Equal(t, uint64(560), point.LaunchBlock)
}

func TestLocateNoTransferActivity(t *testing.T) {
	node := chainWithToken(1000, 500)
	locator := scanner.NewLocator(testLogger(), node, nil, scanner.LocatorConfig{
		Window:       50,
		RetryBackoff: 1,
	})

	_, err := locator.Locate(context.Background(), common.HexToAddress("0x01"))
	require.ErrorIs(t, err, scanner.ErrNoTransferActivity)
}

func TestLocateMintOnlyToken(t *testing.T) {
	// A token minted at 520 that never trades: pre-launch is found but
	// no strictly later Transfer exists inside the ceiling.
	node := chainWithToken(1000, 500, 520)
	locator := scanner.NewLocator(testLogger(), node, nil, scanner.LocatorConfig{
		Window:       50,
		RetryBackoff: 1,
	})

	_, err := locator.Locate(context.Background(), common.HexToAddress("0x01"))
	require.ErrorIs(t, err, scanner.ErrLaunchNotFound)
}

type poolLookupMock struct {
	earliest time.Time
	err      error
}

func (m *poolLookupMock) EarliestPoolCreation(_ context.Context, _ common.Address) (time.Time, error) {
	if m.err != nil {
		return time.Time{}, m.err
	}
	return m.earliest, nil
}
