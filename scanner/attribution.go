package scanner

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-errors/errors"
	"github.com/panjf2000/ants/v2"

	"github.com/taxscan/tax-indexer/client/ethrpc"
	"github.com/taxscan/tax-indexer/models"
)

// Strategy selects how tax transfers are tied to target-token activity.
// The choice is made once at construction and never mixed per call.
//
// StrategyReceipt fetches each candidate's transaction receipt and
// attributes the tax to the transaction signer. One extra RPC round
// trip per candidate, unambiguous payer.
//
// StrategyIntersection cross-references the target token's own transfer
// logs by transaction hash and attributes the tax to the tax transfer's
// indexed sender (topic 1). No extra RPC calls, but in relayed or
// multi-hop transactions the event sender can differ from the signer.
type Strategy string

const (
	StrategyReceipt      Strategy = "receipt"
	StrategyIntersection Strategy = "intersection"
)

type EngineConfig struct {
	Strategy         Strategy
	ReceiptWorkers   int
	MaxAttempts      int
	RetryBackoff     time.Duration
	RateLimitBackoff time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Strategy == "" {
		c.Strategy = StrategyReceipt
	}
	if c.ReceiptWorkers == 0 {
		c.ReceiptWorkers = 5
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.RateLimitBackoff == 0 {
		c.RateLimitBackoff = 1500 * time.Millisecond
	}
	return c
}

// Engine computes per-payer attributed tax totals from a batch of
// tax-currency transfer logs.
type Engine struct {
	log  *slog.Logger
	node ethrpc.Client
	cfg  EngineConfig
}

func NewEngine(log *slog.Logger, node ethrpc.Client, cfg EngineConfig) (*Engine, error) {
	cfg = cfg.withDefaults()
	switch cfg.Strategy {
	case StrategyReceipt, StrategyIntersection:
	default:
		return nil, errors.Errorf("unknown attribution strategy %q", cfg.Strategy)
	}
	return &Engine{
		log:  log.With("module", "attribution", "strategy", string(cfg.Strategy)),
		node: node,
		cfg:  cfg,
	}, nil
}

// NeedsTargetLogs reports whether Attribute requires the target-token
// log stream for the configured strategy.
func (e *Engine) NeedsTargetLogs() bool {
	return e.cfg.Strategy == StrategyIntersection
}

// candidate is one well-formed tax transfer awaiting attribution.
type candidate struct {
	txHash common.Hash
	sender common.Address
	amount *big.Int
}

// Attribute cross-references the tax transfer logs with target-token
// activity and returns per-payer totals. targetLogs is only consulted
// by the intersection strategy. Malformed logs are skipped one at a
// time, never failing the pass.
func (e *Engine) Attribute(ctx context.Context, target common.Address, taxLogs, targetLogs []types.Log) (*models.AttributionResult, error) {
	result := models.NewAttributionResult()
	candidates := e.collectCandidates(taxLogs, result)
	if len(candidates) == 0 {
		return result, nil
	}

	switch e.cfg.Strategy {
	case StrategyIntersection:
		e.attributeByIntersection(target, candidates, targetLogs, result)
		return result, nil
	default:
		if err := e.attributeByReceipt(ctx, target, candidates, result); err != nil {
			return nil, err
		}
		return result, nil
	}
}

// collectCandidates validates and de-duplicates the raw logs. The same
// log occurrence (tx hash + log index) is only ever counted once per
// pass, so overlapping fetches cannot double-count.
func (e *Engine) collectCandidates(taxLogs []types.Log, result *models.AttributionResult) []candidate {
	type logKey struct {
		tx    common.Hash
		index uint
	}
	seen := make(map[logKey]struct{}, len(taxLogs))
	candidates := make([]candidate, 0, len(taxLogs))

	for _, ev := range taxLogs {
		key := logKey{tx: ev.TxHash, index: ev.Index}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if len(ev.Data) == 0 || len(ev.Topics) < 3 {
			e.log.Warn("Skipping malformed transfer log",
				"tx", ev.TxHash.Hex(), "topics", len(ev.Topics), "dataLen", len(ev.Data))
			result.SkippedCount++
			continue
		}
		candidates = append(candidates, candidate{
			txHash: ev.TxHash,
			sender: common.BytesToAddress(ev.Topics[1].Bytes()),
			amount: new(big.Int).SetBytes(ev.Data),
		})
	}
	return candidates
}

// attributeByIntersection checks membership of each candidate's tx hash
// in the set of transactions that touched the target token. Payer is
// the tax transfer's own indexed sender.
func (e *Engine) attributeByIntersection(target common.Address, candidates []candidate, targetLogs []types.Log, result *models.AttributionResult) {
	touched := make(map[common.Hash]struct{}, len(targetLogs))
	for _, ev := range targetLogs {
		if ev.Address == target {
			touched[ev.TxHash] = struct{}{}
		}
	}

	for _, c := range candidates {
		if _, ok := touched[c.txHash]; !ok {
			result.SkippedCount++
			continue
		}
		result.Add(models.NormalizeAddress(c.sender.Hex()), c.amount)
		result.ValidCount++
	}
}

// attributeByReceipt fetches each candidate's receipt on a bounded
// worker pool and attributes the tax to the transaction signer when the
// receipt contains a target-token Transfer. Merges into the shared
// result are serialized.
func (e *Engine) attributeByReceipt(ctx context.Context, target common.Address, candidates []candidate, result *models.AttributionResult) error {
	pool, err := ants.NewPool(e.cfg.ReceiptWorkers)
	if err != nil {
		return errors.Errorf("failed to create receipt pool: %w", err)
	}
	defer pool.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range candidates {
		c := c
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()

			receipt, err := e.receiptWithRetry(ctx, c.txHash)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.log.Warn("Skipping candidate, receipt unavailable",
					"tx", c.txHash.Hex(), "error", err)
				result.SkippedCount++
				return
			}
			if !hasTargetTransfer(receipt.Logs, target) {
				result.SkippedCount++
				return
			}
			result.Add(models.NormalizeAddress(receipt.From.Hex()), c.amount)
			result.ValidCount++
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			result.SkippedCount++
			mu.Unlock()
		}
	}
	wg.Wait()

	return ctx.Err()
}

func (e *Engine) receiptWithRetry(ctx context.Context, txHash common.Hash) (*ethrpc.Receipt, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		receipt, err := e.node.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if !ethrpc.Retryable(err) {
			break
		}
		backoff := e.cfg.RetryBackoff
		if ethrpc.Classify(err) == ethrpc.KindRateLimited {
			backoff = e.cfg.RateLimitBackoff
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*backoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func hasTargetTransfer(logs []*types.Log, target common.Address) bool {
	for _, lg := range logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != TransferTopic {
			continue
		}
		if lg.Address == target {
			return true
		}
	}
	return false
}
