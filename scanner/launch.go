package scanner

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-errors/errors"

	"github.com/taxscan/tax-indexer/client/ethrpc"
	"github.com/taxscan/tax-indexer/client/marketdata"
)

// ErrNoTransferActivity means the token has no Transfer events at all;
// there is nothing to locate and nothing to scan.
var ErrNoTransferActivity = errors.New("no transfer activity found for token")

// ErrLaunchNotFound means pre-launch activity exists but no later-block
// trading was found inside the scan ceiling.
var ErrLaunchNotFound = errors.New("launch block not found within scan ceiling")

// LaunchPoint distinguishes the very first Transfer (typically a
// same-block mint/distribution) from the first Transfer in a later
// block, which is where genuine trading begins. The fast path cannot
// tell them apart and returns both equal.
type LaunchPoint struct {
	LaunchBlock    uint64
	PrelaunchBlock uint64
}

type LocatorConfig struct {
	// Window is the getLogs span used while probing forward.
	Window uint64
	// NarrowScanBlocks bounds the first pass looking for the mint right
	// after deployment; WideScanBlocks bounds the fallback pass.
	NarrowScanBlocks uint64
	WideScanBlocks   uint64
	// ForwardScanBlocks caps how far past the pre-launch block the
	// launch probe may walk.
	ForwardScanBlocks uint64
	MaxForwardChunk   uint64
	MaxAttempts       int
	RetryBackoff      time.Duration
	// BlockTime and SafetyMarginBlocks drive the fast-path estimate
	// from a pool creation timestamp.
	BlockTime          time.Duration
	SafetyMarginBlocks uint64
}

func (c LocatorConfig) withDefaults() LocatorConfig {
	if c.Window == 0 {
		c.Window = 2000
	}
	if c.NarrowScanBlocks == 0 {
		c.NarrowScanBlocks = 100
	}
	if c.WideScanBlocks == 0 {
		c.WideScanBlocks = 50000
	}
	if c.ForwardScanBlocks == 0 {
		c.ForwardScanBlocks = 1_000_000
	}
	if c.MaxForwardChunk == 0 {
		c.MaxForwardChunk = 10000
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.BlockTime == 0 {
		c.BlockTime = 2 * time.Second
	}
	if c.SafetyMarginBlocks == 0 {
		c.SafetyMarginBlocks = 150
	}
	return c
}

// Locator finds a token's effective launch block: a fast path through
// the market-data aggregator, with a guaranteed on-chain fallback.
type Locator struct {
	log   *slog.Logger
	node  ethrpc.Client
	pools marketdata.PoolLookup
	cfg   LocatorConfig
}

// NewLocator builds a Locator. pools may be nil, in which case only the
// on-chain path is used.
func NewLocator(log *slog.Logger, node ethrpc.Client, pools marketdata.PoolLookup, cfg LocatorConfig) *Locator {
	return &Locator{
		log:   log.With("module", "launch-locator"),
		node:  node,
		pools: pools,
		cfg:   cfg.withDefaults(),
	}
}

// Locate returns the token's launch point. Individual RPC failures are
// retried and skipped past; only a definitive absence of transfer
// activity fails the operation.
func (l *Locator) Locate(ctx context.Context, token common.Address) (LaunchPoint, error) {
	head, err := l.node.BlockNumber(ctx)
	if err != nil {
		return LaunchPoint{}, errors.Errorf("failed to get chain head: %w", err)
	}

	if point, ok := l.tryFastPath(ctx, token, head); ok {
		return point, nil
	}

	deployBlock, err := l.findDeploymentBlock(ctx, token, head)
	if err != nil {
		return LaunchPoint{}, err
	}
	l.log.Info("Contract deployment block found", "token", token.Hex(), "block", deployBlock)

	prelaunch, err := l.findFirstTransfer(ctx, token, deployBlock, head)
	if err != nil {
		return LaunchPoint{}, err
	}
	l.log.Info("Pre-launch block found", "token", token.Hex(), "block", prelaunch)

	launch, err := l.findLaunchAfter(ctx, token, prelaunch, head)
	if err != nil {
		return LaunchPoint{}, err
	}
	l.log.Info("Launch block found",
		"token", token.Hex(), "launch", launch, "prelaunch", prelaunch)
	return LaunchPoint{LaunchBlock: launch, PrelaunchBlock: prelaunch}, nil
}

// tryFastPath estimates the launch block from the earliest pool
// creation timestamp. Absence of data or any error just falls through
// to the on-chain path.
func (l *Locator) tryFastPath(ctx context.Context, token common.Address, head uint64) (LaunchPoint, bool) {
	if l.pools == nil {
		return LaunchPoint{}, false
	}
	createdAt, err := l.pools.EarliestPoolCreation(ctx, token)
	if err != nil {
		l.log.Debug("Market-data fast path unavailable", "token", token.Hex(), "error", err)
		return LaunchPoint{}, false
	}
	elapsed := time.Since(createdAt)
	if elapsed < 0 {
		return LaunchPoint{}, false
	}
	blocksAgo := uint64(elapsed/l.cfg.BlockTime) + l.cfg.SafetyMarginBlocks
	if blocksAgo >= head {
		return LaunchPoint{}, false
	}
	estimate := head - blocksAgo
	l.log.Info("Launch block estimated from pool creation",
		"token", token.Hex(), "createdAt", createdAt, "block", estimate)
	return LaunchPoint{LaunchBlock: estimate, PrelaunchBlock: estimate}, true
}

// findDeploymentBlock binary-searches the first block where the token
// has bytecode. The predicate is monotonic: empty before deployment,
// non-empty at and after.
func (l *Locator) findDeploymentBlock(ctx context.Context, token common.Address, head uint64) (uint64, error) {
	lo := uint64(0)
	hi := head
	deploy := head

	for lo <= hi {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mid := lo + (hi-lo)/2

		code, err := l.codeAtWithRetry(ctx, token, mid)
		if err != nil {
			// Persistent probe failure: skip forward rather than abort
			// the whole locate.
			l.log.Warn("getCode probe failed, skipping forward", "block", mid, "error", err)
			lo = mid + 1
			continue
		}
		if len(code) > 0 {
			deploy = mid
			if mid == 0 {
				break
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return deploy, nil
}

func (l *Locator) codeAtWithRetry(ctx context.Context, token common.Address, block uint64) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		code, err := l.node.CodeAt(ctx, token, new(big.Int).SetUint64(block))
		if err == nil {
			return code, nil
		}
		lastErr = err
		if !ethrpc.Retryable(err) {
			break
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*l.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// findFirstTransfer scans forward from the deployment block for the
// first Transfer event: a narrow pass just past deployment, then a wide
// bounded pass. Both passes tolerate individual fetch failures.
func (l *Locator) findFirstTransfer(ctx context.Context, token common.Address, deploy, head uint64) (uint64, error) {
	if block, ok := l.scanForTransfer(ctx, token, deploy, minU64(deploy+l.cfg.NarrowScanBlocks, head)); ok {
		return block, nil
	}
	if block, ok := l.scanForTransfer(ctx, token, deploy, minU64(deploy+l.cfg.WideScanBlocks, head)); ok {
		return block, nil
	}
	return 0, errors.Errorf("token %s: %w", token.Hex(), ErrNoTransferActivity)
}

func (l *Locator) scanForTransfer(ctx context.Context, token common.Address, from, to uint64) (uint64, bool) {
	for cur := from; cur <= to; cur += l.cfg.Window + 1 {
		end := minU64(cur+l.cfg.Window, to)
		logs, err := l.filterWithRetry(ctx, token, cur, end)
		if err != nil {
			l.log.Warn("Transfer probe failed, skipping window",
				"from", cur, "to", end, "error", err)
			continue
		}
		if len(logs) > 0 {
			return logs[0], true
		}
	}
	return 0, false
}

// findLaunchAfter walks forward from the pre-launch block looking for
// the first Transfer in a strictly later block. The probe window grows
// geometrically on success and shrinks on error.
func (l *Locator) findLaunchAfter(ctx context.Context, token common.Address, prelaunch, head uint64) (uint64, error) {
	from := prelaunch + 1
	ceiling := minU64(prelaunch+l.cfg.ForwardScanBlocks, head)
	chunk := l.cfg.Window

	for from <= ceiling {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		to := minU64(from+chunk, ceiling)

		attempt := 0
		for {
			logs, err := l.filterBlocks(ctx, token, from, to)
			if err == nil {
				if len(logs) > 0 {
					return logs[0], nil
				}
				from = to + 1
				if chunk < l.cfg.MaxForwardChunk {
					chunk = minU64(chunk*2, l.cfg.MaxForwardChunk)
				}
				break
			}
			attempt++
			chunk = maxU64(chunk/2, l.cfg.Window/4+1)
			if attempt >= l.cfg.MaxAttempts {
				// Persistent failure on this window: move on rather
				// than stall the locate.
				from = to + 1
				break
			}
			if err := sleepCtx(ctx, time.Duration(attempt)*l.cfg.RetryBackoff); err != nil {
				return 0, err
			}
		}
	}
	return 0, errors.Errorf("token %s: %w", token.Hex(), ErrLaunchNotFound)
}

// filterBlocks fetches the block numbers of the token's Transfer logs
// in [from, to]. One shot, no retry.
func (l *Locator) filterBlocks(ctx context.Context, token common.Address, from, to uint64) ([]uint64, error) {
	logs, err := l.node.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic}},
	})
	if err != nil {
		return nil, err
	}
	blocks := make([]uint64, len(logs))
	for i, lg := range logs {
		blocks[i] = lg.BlockNumber
	}
	return blocks, nil
}

// filterWithRetry is filterBlocks with a bounded retry for transient
// errors.
func (l *Locator) filterWithRetry(ctx context.Context, token common.Address, from, to uint64) ([]uint64, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		blocks, err := l.filterBlocks(ctx, token, from, to)
		if err == nil {
			return blocks, nil
		}
		lastErr = err
		if !ethrpc.Retryable(err) {
			break
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*l.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
