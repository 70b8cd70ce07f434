// Package leaderboard maintains the per-campaign ranked totals of tax
// paid. Authoritative amounts are exact wei; the float score kept next
// to them exists only so the store can rank, and is always derived from
// the exact amount, never accumulated on its own.
package leaderboard

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/go-errors/errors"

	"github.com/taxscan/tax-indexer/lib/ethunits"
	"github.com/taxscan/tax-indexer/models"
)

// Store is the persistence behind a campaign leaderboard. SetAmount
// writes both the exact wei string and the ranking score for one
// address; GetAmount returns a zero big.Int for an address with no
// record yet; AllAmounts returns every address with its exact amount.
type Store interface {
	GetAmount(ctx context.Context, campaignID, address string) (*big.Int, error)
	SetAmount(ctx context.Context, campaignID, address string, amount *big.Int, score float64) error
	AllAmounts(ctx context.Context, campaignID string) (map[string]*big.Int, error)
	Clear(ctx context.Context, campaignID string) error
	SetMeta(ctx context.Context, meta *models.LeaderboardMeta) error
	GetMeta(ctx context.Context, campaignID string) (*models.LeaderboardMeta, error)
}

type Accumulator struct {
	log   *slog.Logger
	store Store
	now   func() time.Time
}

func New(log *slog.Logger, store Store) *Accumulator {
	return &Accumulator{
		log:   log.With("module", "leaderboard"),
		store: store,
		now:   time.Now,
	}
}

// MergeDeltas folds one pass's attribution totals into the stored
// amounts: read-modify-write per address, exact big.Int addition. The
// meta record is then recomputed by summing the full stored set, so a
// lost or duplicated meta update can never make the aggregate diverge
// from the entries.
func (a *Accumulator) MergeDeltas(ctx context.Context, job *models.ScanJob, deltas map[string]*big.Int) error {
	for addr, delta := range deltas {
		if delta.Sign() == 0 {
			continue
		}
		current, err := a.store.GetAmount(ctx, job.CampaignID, addr)
		if err != nil {
			return errors.Errorf("reading amount for %s: %w", addr, err)
		}
		updated := new(big.Int).Add(current, delta)
		if err := a.store.SetAmount(ctx, job.CampaignID, addr, updated, ethunits.EtherFloat(updated)); err != nil {
			return errors.Errorf("writing amount for %s: %w", addr, err)
		}
	}
	return a.refreshMeta(ctx, job)
}

// Rebuild discards all stored amounts for the campaign and replays the
// given totals from scratch. Used when a scan restarts from its
// StartBlock; merge semantics would double-count.
func (a *Accumulator) Rebuild(ctx context.Context, job *models.ScanJob, totals map[string]*big.Int) error {
	if err := a.store.Clear(ctx, job.CampaignID); err != nil {
		return errors.Errorf("clearing leaderboard: %w", err)
	}
	a.log.Info("Rebuilding leaderboard", "campaign", job.CampaignID, "payers", len(totals))
	return a.MergeDeltas(ctx, job, totals)
}

func (a *Accumulator) refreshMeta(ctx context.Context, job *models.ScanJob) error {
	amounts, err := a.store.AllAmounts(ctx, job.CampaignID)
	if err != nil {
		return errors.Errorf("summing leaderboard: %w", err)
	}
	total := new(big.Int)
	for _, amt := range amounts {
		total.Add(total, amt)
	}
	meta := &models.LeaderboardMeta{
		CampaignID:   job.CampaignID,
		Name:         job.Name,
		TargetToken:  job.TargetToken,
		TaxWallet:    job.TaxWallet,
		LogoURL:      job.LogoURL,
		TotalPayers:  int64(len(amounts)),
		TotalWei:     total.String(),
		CurrentBlock: job.CurrentBlock,
		EndBlock:     job.EndBlock,
		Status:       job.Status,
		UpdatedAt:    a.now(),
	}
	return a.store.SetMeta(ctx, meta)
}

// Top returns the n highest payers with exact amounts. Ranking comes
// from the store's score order; amounts and tie-breaking come from the
// exact set, so two addresses whose scores collide in float space still
// order deterministically.
func (a *Accumulator) Top(ctx context.Context, campaignID string, n int) ([]models.LeaderboardEntry, error) {
	amounts, err := a.store.AllAmounts(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	entries := make([]models.LeaderboardEntry, 0, len(amounts))
	for addr, amt := range amounts {
		entries = append(entries, models.LeaderboardEntry{
			Address:   addr,
			AmountWei: amt.String(),
			Amount:    ethunits.EtherFloat(amt),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		left, _ := new(big.Int).SetString(entries[i].AmountWei, 10)
		right, _ := new(big.Int).SetString(entries[j].AmountWei, 10)
		if c := left.Cmp(right); c != 0 {
			return c > 0
		}
		return entries[i].Address < entries[j].Address
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Meta returns the campaign's aggregate record.
func (a *Accumulator) Meta(ctx context.Context, campaignID string) (*models.LeaderboardMeta, error) {
	return a.store.GetMeta(ctx, campaignID)
}
