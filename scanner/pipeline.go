package scanner

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-errors/errors"

	"github.com/taxscan/tax-indexer/client/ethrpc"
	"github.com/taxscan/tax-indexer/models"
)

type PipelineConfig struct {
	// TaxToken is the fee-currency contract whose transfers to a
	// campaign's tax wallet signal a tax payment.
	TaxToken common.Address
	// WindowBlocks is the campaign observation window used by one-shot
	// reports.
	WindowBlocks uint64
	// ReportTopN bounds the ranked entries embedded in a report.
	ReportTopN int
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.WindowBlocks == 0 {
		c.WindowBlocks = 2940
	}
	if c.ReportTopN == 0 {
		c.ReportTopN = 20
	}
	return c
}

// Pipeline ties fetcher, locator and attribution engine together for
// one scan step: fetch the log streams for a range and attribute them.
type Pipeline struct {
	log     *slog.Logger
	node    ethrpc.Client
	fetcher *RangeFetcher
	locator *Locator
	engine  *Engine
	cfg     PipelineConfig
}

func NewPipeline(log *slog.Logger, node ethrpc.Client, fetcher *RangeFetcher, locator *Locator, engine *Engine, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		log:     log.With("module", "pipeline"),
		node:    node,
		fetcher: fetcher,
		locator: locator,
		engine:  engine,
		cfg:     cfg.withDefaults(),
	}
}

// Locator exposes the launch locator for callers that need a start
// block before creating a job.
func (p *Pipeline) Locator() *Locator {
	return p.locator
}

// ScanRange fetches the tax transfer stream (and, if the strategy needs
// it, the target-token stream) over one block range and attributes the
// results. Returns the attribution outcome plus any sub-ranges skipped
// under the chunk failure policy. Tax logs inside a skipped sub-range
// are withheld from attribution entirely; the re-scan of that gap is
// the one and only pass that counts them.
func (p *Pipeline) ScanRange(ctx context.Context, target, taxWallet common.Address, r models.BlockRange) (*models.AttributionResult, []models.BlockRange, error) {
	taxFetch, err := p.fetcher.FetchLogs(ctx, TransferToFilter(p.cfg.TaxToken, taxWallet), r)
	if err != nil {
		return nil, nil, errors.Errorf("fetch tax transfers %d-%d: %w", r.From, r.To, err)
	}
	skipped := taxFetch.Skipped

	var targetLogs []types.Log
	if p.engine.NeedsTargetLogs() {
		targetFetch, err := p.fetcher.FetchLogs(ctx, TransferFilter(target), r)
		if err != nil {
			return nil, nil, errors.Errorf("fetch target transfers %d-%d: %w", r.From, r.To, err)
		}
		targetLogs = targetFetch.Logs
		skipped = mergeGaps(skipped, targetFetch.Skipped)
	}

	result, err := p.engine.Attribute(ctx, target, dropInGaps(taxFetch.Logs, skipped), targetLogs)
	if err != nil {
		return nil, nil, err
	}
	p.log.Debug("Scanned range",
		"from", r.From, "to", r.To,
		"taxLogs", len(taxFetch.Logs),
		"valid", result.ValidCount, "skipped", result.SkippedCount,
		"gaps", len(skipped))
	return result, skipped, nil
}

// mergeGaps unions two gap lists into non-overlapping ranges, so the
// same blocks are never queued for retry twice.
func mergeGaps(a, b []models.BlockRange) []models.BlockRange {
	gaps := append(append([]models.BlockRange{}, a...), b...)
	if len(gaps) < 2 {
		return gaps
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].From < gaps[j].From })

	merged := gaps[:1]
	for _, g := range gaps[1:] {
		last := &merged[len(merged)-1]
		if g.From <= last.To+1 {
			if g.To > last.To {
				last.To = g.To
			}
			continue
		}
		merged = append(merged, g)
	}
	return merged
}

// dropInGaps filters out logs whose block falls inside a gap. Those
// blocks will be attributed by the gap re-scan instead.
func dropInGaps(logs []types.Log, gaps []models.BlockRange) []types.Log {
	if len(gaps) == 0 {
		return logs
	}
	kept := logs[:0]
	for _, lg := range logs {
		inGap := false
		for _, g := range gaps {
			if lg.BlockNumber >= g.From && lg.BlockNumber <= g.To {
				inGap = true
				break
			}
		}
		if !inGap {
			kept = append(kept, lg)
		}
	}
	return kept
}
