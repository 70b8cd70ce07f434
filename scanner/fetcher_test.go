package scanner_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-errors/errors"
	"github.com/stretchr/testify/require"

	ethrpc_mock "github.com/taxscan/tax-indexer/mocks/ethrpc"
	"github.com/taxscan/tax-indexer/models"
	"github.com/taxscan/tax-indexer/scanner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func queryRange(q ethereum.FilterQuery) (uint64, uint64) {
	return q.FromBlock.Uint64(), q.ToBlock.Uint64()
}

func TestFetchLogsCoversRangeInChunks(t *testing.T) {
	var calls []models.BlockRange
	node := &ethrpc_mock.ClientMock{
		FilterLogsFunc: func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			from, to := queryRange(q)
			calls = append(calls, models.BlockRange{From: from, To: to})
			return []types.Log{{BlockNumber: from}}, nil
		},
	}
	fetcher := scanner.NewRangeFetcher(testLogger(), node, scanner.FetcherConfig{
		Chunks: scanner.ChunkPolicy{InitialSize: 10, MaxSize: 10},
	})

	token := common.HexToAddress("0x01")
	result, err := fetcher.FetchLogs(context.Background(), scanner.TransferFilter(token),
		models.BlockRange{From: 100, To: 134})
	require.NoError(t, err)
	require.Empty(t, result.Skipped)
	require.Len(t, result.Logs, len(calls))

	// Chunks must tile the range exactly, no gaps and no overlap.
	next := uint64(100)
	for _, c := range calls {
		require.Equal(t, next, c.From)
		require.GreaterOrEqual(t, c.To, c.From)
		next = c.To + 1
	}
	require.Equal(t, uint64(135), next)
}

func TestFetchLogsShrinksOnRangeTooLarge(t *testing.T) {
	// The node rejects any query wider than 8 blocks, the way providers
	// cap eth_getLogs. The fetcher has to shrink until queries fit.
	const providerLimit = 8
	var served []models.BlockRange
	node := &ethrpc_mock.ClientMock{
		FilterLogsFunc: func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			from, to := queryRange(q)
			if to-from+1 > providerLimit {
				return nil, errors.New("query returned more than 10000 results")
			}
			served = append(served, models.BlockRange{From: from, To: to})
			return nil, nil
		},
	}
	fetcher := scanner.NewRangeFetcher(testLogger(), node, scanner.FetcherConfig{
		Chunks: scanner.ChunkPolicy{InitialSize: 64, MaxSize: 64},
	})

	token := common.HexToAddress("0x01")
	result, err := fetcher.FetchLogs(context.Background(), scanner.TransferFilter(token),
		models.BlockRange{From: 0, To: 63})
	require.NoError(t, err)
	require.Empty(t, result.Skipped)

	// Every block is served exactly once by queries within the limit.
	next := uint64(0)
	for _, c := range served {
		require.Equal(t, next, c.From)
		require.LessOrEqual(t, c.To-c.From+1, uint64(providerLimit))
		next = c.To + 1
	}
	require.Equal(t, uint64(64), next)
}

func TestFetchLogsGrowsAfterSuccess(t *testing.T) {
	node := &ethrpc_mock.ClientMock{
		FilterLogsFunc: func(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
			return nil, nil
		},
	}
	fetcher := scanner.NewRangeFetcher(testLogger(), node, scanner.FetcherConfig{
		Chunks: scanner.ChunkPolicy{InitialSize: 10, MaxSize: 100},
	})

	token := common.HexToAddress("0x01")
	_, err := fetcher.FetchLogs(context.Background(), scanner.TransferFilter(token),
		models.BlockRange{From: 0, To: 199})
	require.NoError(t, err)
	require.Equal(t, uint64(100), fetcher.ChunkSize())
}

func TestFetchLogsSharedAcrossConcurrentScans(t *testing.T) {
	// One fetcher serves several campaign scans at once, so the
	// adaptive chunk size is hit from multiple goroutines while the
	// provider keeps forcing resizes.
	const providerLimit = 8
	node := &ethrpc_mock.ClientMock{
		FilterLogsFunc: func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			from, to := queryRange(q)
			if to-from+1 > providerLimit {
				return nil, errors.New("query returned more than 10000 results")
			}
			return []types.Log{{BlockNumber: from}}, nil
		},
	}
	fetcher := scanner.NewRangeFetcher(testLogger(), node, scanner.FetcherConfig{
		Chunks: scanner.ChunkPolicy{InitialSize: 64, MaxSize: 64},
	})

	token := common.HexToAddress("0x01")
	ranges := []models.BlockRange{
		{From: 0, To: 255},
		{From: 1000, To: 1255},
		{From: 5000, To: 5255},
	}
	results := make([]*scanner.FetchResult, len(ranges))
	errs := make([]error, len(ranges))
	var wg sync.WaitGroup
	for i, r := range ranges {
		wg.Add(1)
		go func(i int, r models.BlockRange) {
			defer wg.Done()
			results[i], errs[i] = fetcher.FetchLogs(context.Background(),
				scanner.TransferFilter(token), r)
		}(i, r)
	}
	wg.Wait()

	// Each scan still covers its own range: one log per served chunk,
	// strictly ordered, starting at the range head.
	for i, r := range ranges {
		require.NoError(t, errs[i])
		require.Empty(t, results[i].Skipped)
		require.NotEmpty(t, results[i].Logs)
		require.Equal(t, r.From, results[i].Logs[0].BlockNumber)
		require.GreaterOrEqual(t, len(results[i].Logs), int(r.Count()/providerLimit))
		prev := results[i].Logs[0].BlockNumber
		for _, lg := range results[i].Logs[1:] {
			require.Greater(t, lg.BlockNumber, prev)
			prev = lg.BlockNumber
		}
		require.LessOrEqual(t, prev, r.To)
	}
}

func TestFetchLogsBacksOffAtChunkFloor(t *testing.T) {
	// A provider that rejects even single-block queries leaves nothing
	// to shrink. Retries at the floor must pace themselves rather than
	// hammer the node with the identical query.
	const backoff = 10 * time.Millisecond
	node := &ethrpc_mock.ClientMock{
		FilterLogsFunc: func(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
			return nil, errors.New("query returned more than 10000 results")
		},
	}
	fetcher := scanner.NewRangeFetcher(testLogger(), node, scanner.FetcherConfig{
		Chunks:         scanner.ChunkPolicy{InitialSize: 1, MaxSize: 1, MinSize: 1},
		MaxAttempts:    3,
		OnChunkFailure: scanner.AbortScan,
		RetryBackoff:   backoff,
	})

	token := common.HexToAddress("0x01")
	start := time.Now()
	_, err := fetcher.FetchLogs(context.Background(), scanner.TransferFilter(token),
		models.BlockRange{From: 0, To: 0})
	require.Error(t, err)
	// Three attempts sleep 1x, 2x and 3x the base backoff.
	require.GreaterOrEqual(t, time.Since(start), 6*backoff)
}

func TestFetchLogsSkipPolicyReportsGap(t *testing.T) {
	// Blocks 10-19 fail permanently; with the skip policy the fetch
	// still succeeds and reports the gap.
	node := &ethrpc_mock.ClientMock{
		FilterLogsFunc: func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			from, _ := queryRange(q)
			if from >= 10 && from < 20 {
				return nil, errors.New("internal server error")
			}
			return []types.Log{{BlockNumber: from}}, nil
		},
	}
	fetcher := scanner.NewRangeFetcher(testLogger(), node, scanner.FetcherConfig{
		Chunks:         scanner.ChunkPolicy{InitialSize: 10, MaxSize: 10},
		MaxAttempts:    2,
		OnChunkFailure: scanner.SkipChunk,
		RetryBackoff:   1,
	})

	token := common.HexToAddress("0x01")
	result, err := fetcher.FetchLogs(context.Background(), scanner.TransferFilter(token),
		models.BlockRange{From: 0, To: 29})
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	require.Equal(t, uint64(10), result.Skipped[0].From)
	// Logs before and after the gap still arrive.
	require.Len(t, result.Logs, 2)
}

func TestFetchLogsAbortPolicyFailsFast(t *testing.T) {
	node := &ethrpc_mock.ClientMock{
		FilterLogsFunc: func(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
			return nil, errors.New("internal server error")
		},
	}
	fetcher := scanner.NewRangeFetcher(testLogger(), node, scanner.FetcherConfig{
		Chunks:         scanner.ChunkPolicy{InitialSize: 10, MaxSize: 10},
		MaxAttempts:    2,
		OnChunkFailure: scanner.AbortScan,
		RetryBackoff:   1,
	})

	token := common.HexToAddress("0x01")
	_, err := fetcher.FetchLogs(context.Background(), scanner.TransferFilter(token),
		models.BlockRange{From: 0, To: 29})
	require.Error(t, err)
}

func TestFetchLogsRejectsInvalidRange(t *testing.T) {
	node := &ethrpc_mock.ClientMock{}
	fetcher := scanner.NewRangeFetcher(testLogger(), node, scanner.FetcherConfig{})

	token := common.HexToAddress("0x01")
	_, err := fetcher.FetchLogs(context.Background(), scanner.TransferFilter(token),
		models.BlockRange{From: 10, To: 5})
	require.Error(t, err)
}

func TestTransferToFilterPinsDestination(t *testing.T) {
	token := common.HexToAddress("0x01")
	wallet := common.HexToAddress("0xabcdef")
	filter := scanner.TransferToFilter(token, wallet)

	require.Equal(t, token, filter.Contract)
	require.Len(t, filter.Topics, 3)
	require.Equal(t, scanner.TransferTopic, filter.Topics[0][0])
	require.Nil(t, filter.Topics[1])
	require.Equal(t, common.BytesToHash(wallet.Bytes()), filter.Topics[2][0])
}
