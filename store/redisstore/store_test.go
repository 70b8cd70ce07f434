package redisstore_test

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taxscan/tax-indexer/jobs"
	"github.com/taxscan/tax-indexer/models"
	"github.com/taxscan/tax-indexer/store/redisstore"
)

// Integration tests; they need a disposable Redis, e.g.
// REDIS_TEST_URL=redis://localhost:6379/15 go test ./store/...
func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := redisstore.New(context.Background(), log, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = store.DeleteJob(ctx, "it-camp") })

	_, err := store.GetJob(ctx, "it-camp")
	require.ErrorIs(t, err, jobs.ErrNotFound)

	job := &models.ScanJob{
		CampaignID:   "it-camp",
		TargetToken:  "0xabc",
		TaxWallet:    "0xdef",
		StartBlock:   100,
		CurrentBlock: 105,
		EndBlock:     110,
		Status:       models.JobActive,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.PutJob(ctx, job))
	require.NoError(t, store.AddActive(ctx, job.CampaignID))

	got, err := store.GetJob(ctx, "it-camp")
	require.NoError(t, err)
	require.Equal(t, job.CurrentBlock, got.CurrentBlock)
	require.Equal(t, job.Status, got.Status)

	active, err := store.ActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Contains(t, active, "it-camp")

	require.NoError(t, store.RemoveActive(ctx, "it-camp"))
	active, err = store.ActiveCampaigns(ctx)
	require.NoError(t, err)
	require.NotContains(t, active, "it-camp")
}

func TestAmountsKeepExactPrecision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = store.Clear(ctx, "it-camp") })

	amount, _ := new(big.Int).SetString("5000000000000000003", 10)
	require.NoError(t, store.SetAmount(ctx, "it-camp", "0xaa", amount, 5.0))

	got, err := store.GetAmount(ctx, "it-camp", "0xaa")
	require.NoError(t, err)
	require.Equal(t, "5000000000000000003", got.String())

	missing, err := store.GetAmount(ctx, "it-camp", "0xbb")
	require.NoError(t, err)
	require.Zero(t, missing.Sign())

	all, err := store.AllAmounts(ctx, "it-camp")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestReportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = store.DeleteJob(ctx, "it-camp") })

	report := &models.TaxReport{
		TokenAddress: "0xabc",
		TotalTaxWei:  "123",
		IsComplete:   true,
		Leaderboard:  []models.LeaderboardEntry{{Address: "0xaa", AmountWei: "123", Amount: 0}},
	}
	require.NoError(t, store.PutReport(ctx, "it-camp", report))

	got, err := store.GetReport(ctx, "it-camp")
	require.NoError(t, err)
	require.Equal(t, "123", got.TotalTaxWei)
	require.Len(t, got.Leaderboard, 1)
}
