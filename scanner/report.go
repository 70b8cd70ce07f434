package scanner

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-errors/errors"

	"github.com/taxscan/tax-indexer/lib/ethunits"
	"github.com/taxscan/tax-indexer/models"
)

// RunReport performs a one-shot synchronous scan: locate the token's
// launch block, scan the whole observation window (or as much of it as
// the chain has produced) and return a complete ranked report. Callers
// must tolerate the same execution-time ceiling as a worker invocation;
// pass a context with a deadline.
func (p *Pipeline) RunReport(ctx context.Context, target, taxWallet common.Address) (*models.TaxReport, error) {
	head, err := p.node.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Errorf("failed to get chain head: %w", err)
	}

	point, err := p.locator.Locate(ctx, target)
	if err != nil {
		return nil, err
	}

	endBlock := minU64(point.LaunchBlock+p.cfg.WindowBlocks, head)
	isComplete := point.LaunchBlock+p.cfg.WindowBlocks <= head
	scanned := endBlock - point.LaunchBlock
	progress := int(minU64(100, scanned*100/p.cfg.WindowBlocks))

	p.log.Info("Running one-shot scan",
		"token", target.Hex(),
		"from", point.LaunchBlock, "to", endBlock,
		"complete", isComplete)

	result, skipped, err := p.ScanRange(ctx, target, taxWallet, models.BlockRange{From: point.LaunchBlock, To: endBlock})
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		p.log.Warn("One-shot scan has gaps", "skippedRanges", len(skipped))
	}

	return p.buildReport(target, taxWallet, point, endBlock, scanned, progress, isComplete, result), nil
}

func (p *Pipeline) buildReport(target, taxWallet common.Address, point LaunchPoint, endBlock, scanned uint64, progress int, isComplete bool, result *models.AttributionResult) *models.TaxReport {
	entries := make([]models.LeaderboardEntry, 0, len(result.Totals))
	totalsByPayer := make(map[string]string, len(result.Totals))
	for payer, amount := range result.Totals {
		entries = append(entries, models.LeaderboardEntry{
			Address:   payer,
			AmountWei: amount.String(),
			Amount:    ethunits.EtherFloat(amount),
		})
		totalsByPayer[payer] = amount.String()
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := result.Totals[entries[i].Address], result.Totals[entries[j].Address]
		if cmp := a.Cmp(b); cmp != 0 {
			return cmp > 0
		}
		return entries[i].Address < entries[j].Address
	})
	if len(entries) > p.cfg.ReportTopN {
		entries = entries[:p.cfg.ReportTopN]
	}

	return &models.TaxReport{
		TokenAddress:        models.NormalizeAddress(target.Hex()),
		TaxWallet:           models.NormalizeAddress(taxWallet.Hex()),
		LaunchBlock:         point.LaunchBlock,
		PrelaunchBlock:      point.PrelaunchBlock,
		ScanStartBlock:      point.LaunchBlock,
		ScanEndBlock:        endBlock,
		BlocksScanned:       scanned,
		TotalBlocks:         p.cfg.WindowBlocks,
		ProgressPercent:     progress,
		IsComplete:          isComplete,
		TotalTaxWei:         result.TotalAmount().String(),
		ValidTransactions:   result.ValidCount,
		SkippedTransactions: result.SkippedCount,
		UniquePayers:        len(result.Totals),
		Leaderboard:         entries,
		TotalsByPayer:       totalsByPayer,
		GeneratedAt:         time.Now().UTC(),
	}
}

// FormatReport renders a report as a human-readable text block.
func FormatReport(report *models.TaxReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tax report for token %s\n\n", report.TokenAddress)
	fmt.Fprintf(&b, "Tax wallet:     %s\n", report.TaxWallet)
	fmt.Fprintf(&b, "Launch block:   %d\n", report.LaunchBlock)
	fmt.Fprintf(&b, "Blocks scanned: %d / %d (%d%%)\n", report.BlocksScanned, report.TotalBlocks, report.ProgressPercent)
	if report.IsComplete {
		b.WriteString("Scan complete\n\n")
	} else {
		b.WriteString("Scan in progress (token still in tax period)\n\n")
	}
	totalWei, ok := new(big.Int).SetString(report.TotalTaxWei, 10)
	if !ok {
		totalWei = new(big.Int)
	}
	fmt.Fprintf(&b, "Total tax collected: %s\n", ethunits.FormatEther(totalWei))
	fmt.Fprintf(&b, "Valid transactions:  %d\n", report.ValidTransactions)
	fmt.Fprintf(&b, "Unique payers:       %d\n", report.UniquePayers)

	if len(report.Leaderboard) > 0 {
		b.WriteString("\nTop payers:\n")
		for i, entry := range report.Leaderboard {
			if i >= 10 {
				break
			}
			fmt.Fprintf(&b, "%3d. %s  %s\n", i+1, entry.Address, ethunits.FormatUnits(mustBig(entry.AmountWei), ethunits.EtherDecimals))
		}
	}
	fmt.Fprintf(&b, "\nGenerated: %s\n", report.GeneratedAt.Format(time.RFC3339))
	return b.String()
}

func mustBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}
