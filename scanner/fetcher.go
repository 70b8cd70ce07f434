// Package scanner implements the on-chain scan pipeline: chunked log
// fetching, launch block location and tax attribution.
package scanner

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-errors/errors"

	"github.com/taxscan/tax-indexer/client/ethrpc"
	"github.com/taxscan/tax-indexer/models"
)

// TransferTopic is the ERC-20 Transfer event signature hash.
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// FailurePolicy decides what happens when a sub-chunk exhausts its
// retry budget.
type FailurePolicy string

const (
	// SkipChunk abandons the sub-range and continues. The gap is
	// reported in FetchResult.Skipped so the caller can re-queue it.
	SkipChunk FailurePolicy = "skip"
	// AbortScan propagates the failure to the caller.
	AbortScan FailurePolicy = "abort"
)

// ChunkPolicy bounds the adaptive chunk sizing.
type ChunkPolicy struct {
	InitialSize uint64
	MaxSize     uint64
	MinSize     uint64
}

func (p ChunkPolicy) withDefaults() ChunkPolicy {
	if p.InitialSize == 0 {
		p.InitialSize = 500
	}
	if p.MaxSize == 0 {
		p.MaxSize = 2000
	}
	if p.MinSize == 0 {
		p.MinSize = 1
	}
	return p
}

type FetcherConfig struct {
	Chunks           ChunkPolicy
	MaxAttempts      int
	OnChunkFailure   FailurePolicy
	RetryBackoff     time.Duration
	RateLimitBackoff time.Duration
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	c.Chunks = c.Chunks.withDefaults()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.OnChunkFailure == "" {
		c.OnChunkFailure = SkipChunk
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.RateLimitBackoff == 0 {
		c.RateLimitBackoff = 1500 * time.Millisecond
	}
	return c
}

// Filter selects logs by contract and per-slot topic matching. A nil
// inner slice is a wildcard for that topic position.
type Filter struct {
	Contract common.Address
	Topics   [][]common.Hash
}

// TransferFilter matches all Transfer events of a token.
func TransferFilter(token common.Address) Filter {
	return Filter{Contract: token, Topics: [][]common.Hash{{TransferTopic}}}
}

// TransferToFilter matches Transfer events of a token whose indexed
// destination (topic 2) is the given address, any sender.
func TransferToFilter(token common.Address, to common.Address) Filter {
	return Filter{
		Contract: token,
		Topics: [][]common.Hash{
			{TransferTopic},
			nil,
			{common.BytesToHash(to.Bytes())},
		},
	}
}

// FetchResult carries the fetched logs plus any sub-ranges abandoned
// under the SkipChunk policy.
type FetchResult struct {
	Logs    []types.Log
	Skipped []models.BlockRange
}

// RangeFetcher retrieves event logs over a block range, splitting it
// into sub-chunks whose size adapts to recent success and failure. One
// fetcher consolidates the retry/backoff behavior that would otherwise
// be re-implemented at every call site. Safe for concurrent use; the
// adaptive size is shared across callers, since provider limits are a
// property of the node, not of any one scan.
type RangeFetcher struct {
	log  *slog.Logger
	node ethrpc.Client
	cfg  FetcherConfig

	mu        sync.Mutex
	chunkSize uint64
}

func NewRangeFetcher(log *slog.Logger, node ethrpc.Client, cfg FetcherConfig) *RangeFetcher {
	cfg = cfg.withDefaults()
	return &RangeFetcher{
		log:       log.With("module", "fetcher"),
		node:      node,
		cfg:       cfg,
		chunkSize: cfg.Chunks.InitialSize,
	}
}

// FetchLogs retrieves all logs matching the filter in [r.From, r.To].
// Sub-chunk failures classified as rate-limit or range-too-large shrink
// the chunk and retry the same sub-range, so no data is skipped
// silently; only an exhausted retry budget invokes the failure policy.
func (f *RangeFetcher) FetchLogs(ctx context.Context, filter Filter, r models.BlockRange) (*FetchResult, error) {
	if !r.Valid() {
		return nil, errors.Errorf("invalid block range %d-%d", r.From, r.To)
	}

	result := &FetchResult{}
	from := r.From
	for from <= r.To {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		to := f.chunkEnd(from, r.To)
		attempt := 0
		for {
			logs, err := f.node.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{filter.Contract},
				Topics:    filter.Topics,
			})
			if err == nil {
				result.Logs = append(result.Logs, logs...)
				from = to + 1
				f.grow()
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			kind := ethrpc.Classify(err)
			switch kind {
			case ethrpc.KindRangeTooLarge:
				// Not a real failure, just a provider limit. Shrink and
				// retry the same sub-range without burning an attempt,
				// unless we are already at the floor.
				if shrunk := f.shrink(); shrunk {
					to = f.chunkEnd(from, r.To)
					f.log.Warn("Chunk too large, shrinking",
						"from", from, "to", to, "chunkSize", f.ChunkSize())
					continue
				}
				attempt++
				if err := sleepCtx(ctx, time.Duration(attempt)*f.cfg.RetryBackoff); err != nil {
					return nil, err
				}
			case ethrpc.KindRateLimited:
				attempt++
				f.shrink()
				to = f.chunkEnd(from, r.To)
				if err := sleepCtx(ctx, time.Duration(attempt)*f.cfg.RateLimitBackoff); err != nil {
					return nil, err
				}
			case ethrpc.KindNotFound:
				return nil, errors.Errorf("fetch logs %d-%d: %w", from, to, err)
			default:
				attempt++
				if err := sleepCtx(ctx, time.Duration(attempt)*f.cfg.RetryBackoff); err != nil {
					return nil, err
				}
			}

			if attempt >= f.cfg.MaxAttempts {
				if f.cfg.OnChunkFailure == AbortScan {
					return nil, errors.Errorf("fetch logs %d-%d exhausted %d attempts: %w",
						from, to, f.cfg.MaxAttempts, err)
				}
				f.log.Error("Chunk exhausted retry budget, skipping",
					"from", from, "to", to, "error", err)
				result.Skipped = append(result.Skipped, models.BlockRange{From: from, To: to})
				from = to + 1
				break
			}
			f.log.Warn("Retrying chunk",
				"from", from, "to", to,
				"attempt", attempt, "kind", kind.String(), "error", err)
		}
	}
	return result, nil
}

// ChunkSize exposes the current adaptive size, mainly for tests and
// metrics.
func (f *RangeFetcher) ChunkSize() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunkSize
}

func (f *RangeFetcher) chunkEnd(from, max uint64) uint64 {
	to := from + f.ChunkSize() - 1
	if to > max || to < from {
		to = max
	}
	return to
}

func (f *RangeFetcher) grow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkSize >= f.cfg.Chunks.MaxSize {
		return
	}
	next := f.chunkSize * 2
	if next > f.cfg.Chunks.MaxSize {
		next = f.cfg.Chunks.MaxSize
	}
	f.chunkSize = next
}

// shrink halves the chunk size, flooring at the policy minimum. It
// reports whether the size actually changed.
func (f *RangeFetcher) shrink() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkSize <= f.cfg.Chunks.MinSize {
		return false
	}
	next := f.chunkSize / 2
	if next < f.cfg.Chunks.MinSize {
		next = f.cfg.Chunks.MinSize
	}
	f.chunkSize = next
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
