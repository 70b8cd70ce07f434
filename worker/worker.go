// Package worker drives the incremental scan loop. Each tick it loads
// the active jobs, gives every job a bounded slice of work and folds
// the results into the persisted leaderboards. Jobs are isolated from
// each other; one campaign's failing RPC filter never stalls the rest.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/taxscan/tax-indexer/client/ethrpc"
	"github.com/taxscan/tax-indexer/jobs"
	"github.com/taxscan/tax-indexer/leaderboard"
	"github.com/taxscan/tax-indexer/lib/retryq"
	"github.com/taxscan/tax-indexer/models"
	"github.com/taxscan/tax-indexer/scanner"
)

type Config struct {
	// TickInterval is the pause between scan passes in loop mode.
	TickInterval time.Duration
	// RangesPerTick bounds how many work units one job gets per tick,
	// so a single invocation stays within its execution budget.
	RangesPerTick int
	// MaxConcurrentJobs bounds how many campaigns scan in parallel.
	MaxConcurrentJobs int
	// GapRetryBackoff is the linear backoff step for skipped ranges.
	GapRetryBackoff time.Duration
	// MaxGapRetries is how many times a skipped range is retried
	// before being dropped for good.
	MaxGapRetries int
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.RangesPerTick == 0 {
		c.RangesPerTick = 1
	}
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.GapRetryBackoff == 0 {
		c.GapRetryBackoff = 30 * time.Second
	}
	if c.MaxGapRetries == 0 {
		c.MaxGapRetries = 5
	}
	return c
}

type Worker struct {
	log         *slog.Logger
	node        ethrpc.Client
	manager     *jobs.Manager
	accumulator *leaderboard.Accumulator
	pipeline    *scanner.Pipeline
	archive     ReportArchive
	cfg         Config
	metrics     *metrics

	// gaps holds skipped block ranges per campaign. In-memory only: a
	// restart loses pending gaps, which surfaces as a slightly
	// undercounted leaderboard rather than a wrong one.
	gapsMu sync.Mutex
	gaps   map[string]*retryq.Queue[models.BlockRange]
}

// ReportArchive stores the final report of a completed campaign. May
// be nil when archival is disabled.
type ReportArchive interface {
	PutReport(ctx context.Context, campaignID string, report *models.TaxReport) error
}

func New(
	log *slog.Logger,
	node ethrpc.Client,
	manager *jobs.Manager,
	accumulator *leaderboard.Accumulator,
	pipeline *scanner.Pipeline,
	archive ReportArchive,
	reg prometheus.Registerer,
	cfg Config,
) *Worker {
	return &Worker{
		log:         log.With("module", "worker"),
		node:        node,
		manager:     manager,
		accumulator: accumulator,
		pipeline:    pipeline,
		archive:     archive,
		cfg:         cfg.withDefaults(),
		metrics:     newMetrics(reg),
		gaps:        make(map[string]*retryq.Queue[models.BlockRange]),
	}
}

// Run ticks until the context is cancelled. Pass errors are logged and
// the loop keeps going; only cancellation stops it.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Starting scan loop", "tickInterval", w.cfg.TickInterval)
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("Scan pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.log.Info("Stopping scan loop")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single scan pass over all active jobs. This is
// the unit a cron-style invocation runs.
func (w *Worker) RunOnce(ctx context.Context) error {
	head, err := w.node.BlockNumber(ctx)
	if err != nil {
		return errors.Errorf("getting chain head: %w", err)
	}
	active, err := w.manager.ActiveJobs(ctx)
	if err != nil {
		return errors.Errorf("loading active jobs: %w", err)
	}
	w.metrics.activeJobs.Set(float64(len(active)))
	w.pruneGapQueues(ctx, active)
	if len(active) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.MaxConcurrentJobs)
	for _, job := range active {
		job := job
		group.Go(func() error {
			w.processJob(groupCtx, job, head)
			return groupCtx.Err()
		})
	}
	return group.Wait()
}

// processJob gives one job up to RangesPerTick units of work: pending
// gap retries first, then fresh ranges. Errors are recorded on the job
// and end the job's share of this pass.
func (w *Worker) processJob(ctx context.Context, job *models.ScanJob, head uint64) {
	log := w.log.With("campaign", job.CampaignID)
	target := common.HexToAddress(job.TargetToken)
	taxWallet := common.HexToAddress(job.TaxWallet)

	for i := 0; i < w.cfg.RangesPerTick; i++ {
		if ctx.Err() != nil {
			return
		}

		if gap, ok := w.gapQueue(job.CampaignID).Pop(); ok {
			if _, err := w.scanGap(ctx, job, target, taxWallet, gap); err != nil {
				return
			}
			continue
		}

		r := w.manager.NextRange(job, head)
		if r == nil {
			return
		}
		result, skipped, err := w.pipeline.ScanRange(ctx, target, taxWallet, *r)
		if err != nil {
			w.metrics.scanErrors.WithLabelValues(job.CampaignID).Inc()
			log.Error("Range scan failed", "from", r.From, "to", r.To, "error", err)
			if failed, ferr := w.manager.RecordFailure(ctx, job.CampaignID, err); ferr != nil {
				log.Error("Recording failure failed", "error", ferr)
			} else if failed.Status.Terminal() {
				w.dropGapQueue(job.CampaignID)
			}
			return
		}

		for _, gap := range skipped {
			w.gapQueue(job.CampaignID).Push(gap, 0)
		}
		w.metrics.gapQueueDepth.WithLabelValues(job.CampaignID).
			Set(float64(w.gapQueue(job.CampaignID).Size()))

		if err := w.accumulator.MergeDeltas(ctx, job, result.Totals); err != nil {
			log.Error("Merging leaderboard deltas failed", "error", err)
			if failed, ferr := w.manager.RecordFailure(ctx, job.CampaignID, err); ferr != nil {
				log.Error("Recording failure failed", "error", ferr)
			} else if failed.Status.Terminal() {
				w.dropGapQueue(job.CampaignID)
			}
			return
		}
		updated, err := w.manager.UpdateProgress(ctx, job.CampaignID, r.To, jobs.ProgressDelta{
			ValidTx:   uint64(result.ValidCount),
			SkippedTx: uint64(result.SkippedCount),
		})
		if err != nil {
			log.Error("Updating progress failed", "error", err)
			return
		}
		*job = *updated

		w.metrics.rangesScanned.WithLabelValues(job.CampaignID).Inc()
		w.metrics.processedBlock.WithLabelValues(job.CampaignID).Set(float64(job.CurrentBlock))
		log.Debug("Range scanned",
			"from", r.From, "to", r.To,
			"validTx", result.ValidCount, "currentBlock", job.CurrentBlock)

		if job.Status == models.JobCompleted {
			unrecovered := w.drainGaps(ctx, job, target, taxWallet)
			w.dropGapQueue(job.CampaignID)
			w.archiveReport(ctx, job, unrecovered == 0)
			return
		}
	}
}

// drainGaps makes a last synchronous attempt at every pending gap once
// a job reaches its end block. Backoff is ignored; each gap's remaining
// retry budget still applies. Returns how many gaps stayed unrecovered,
// so the archived report can state whether payments are missing.
func (w *Worker) drainGaps(ctx context.Context, job *models.ScanJob, target, taxWallet common.Address) int {
	log := w.log.With("campaign", job.CampaignID)
	queue := w.gapQueue(job.CampaignID)

	var unrecovered int
	for {
		gap, ok := queue.PopAny()
		if !ok {
			return unrecovered
		}
		if ctx.Err() != nil {
			return unrecovered + 1 + queue.Size()
		}

		result, skipped, err := w.pipeline.ScanRange(ctx, target, taxWallet, gap.Value)
		if err != nil || len(skipped) > 0 {
			if gap.Retries >= w.cfg.MaxGapRetries {
				log.Warn("Gap unrecovered at completion",
					"from", gap.Value.From, "to", gap.Value.To, "retries", gap.Retries, "error", err)
				unrecovered++
				continue
			}
			queue.Push(gap.Value, gap.Retries)
			continue
		}
		if err := w.accumulator.MergeDeltas(ctx, job, result.Totals); err != nil {
			log.Error("Merging gap deltas failed",
				"from", gap.Value.From, "to", gap.Value.To, "error", err)
			unrecovered++
			continue
		}
		log.Info("Recovered skipped range",
			"from", gap.Value.From, "to", gap.Value.To, "validTx", result.ValidCount)
	}
}

// scanGap retries one previously skipped range. Gap results only touch
// the leaderboard; CurrentBlock moved past the gap when it was skipped,
// so progress stays untouched.
func (w *Worker) scanGap(ctx context.Context, job *models.ScanJob, target, taxWallet common.Address, gap retryq.Item[models.BlockRange]) (recovered bool, err error) {
	log := w.log.With("campaign", job.CampaignID, "from", gap.Value.From, "to", gap.Value.To)

	result, skipped, err := w.pipeline.ScanRange(ctx, target, taxWallet, gap.Value)
	if err != nil || len(skipped) > 0 {
		if gap.Retries >= w.cfg.MaxGapRetries {
			log.Warn("Dropping gap after max retries", "retries", gap.Retries, "error", err)
			return false, nil
		}
		log.Warn("Gap retry failed, requeueing", "retries", gap.Retries, "error", err)
		w.gapQueue(job.CampaignID).Push(gap.Value, gap.Retries)
		return false, err
	}

	if err := w.accumulator.MergeDeltas(ctx, job, result.Totals); err != nil {
		log.Error("Merging gap deltas failed", "error", err)
		return false, err
	}
	log.Info("Recovered skipped range", "validTx", result.ValidCount)
	return true, nil
}

func (w *Worker) archiveReport(ctx context.Context, job *models.ScanJob, complete bool) {
	if w.archive == nil {
		return
	}
	report, err := w.buildReport(ctx, job, complete)
	if err != nil {
		w.log.Error("Building final report failed", "campaign", job.CampaignID, "error", err)
		return
	}
	if err := w.archive.PutReport(ctx, job.CampaignID, report); err != nil {
		w.log.Error("Archiving report failed", "campaign", job.CampaignID, "error", err)
		return
	}
	w.log.Info("Archived final report", "campaign", job.CampaignID)
}

// buildReport assembles the final report from the persisted leaderboard
// and the job record. complete=false marks a report whose window was
// scanned end to end but with one or more ranges never recovered.
func (w *Worker) buildReport(ctx context.Context, job *models.ScanJob, complete bool) (*models.TaxReport, error) {
	entries, err := w.accumulator.Top(ctx, job.CampaignID, 0)
	if err != nil {
		return nil, err
	}
	meta, err := w.accumulator.Meta(ctx, job.CampaignID)
	if err != nil {
		return nil, err
	}

	totalsByPayer := make(map[string]string, len(entries))
	for _, e := range entries {
		totalsByPayer[e.Address] = e.AmountWei
	}
	totalBlocks := job.EndBlock - job.StartBlock
	return &models.TaxReport{
		TokenAddress:        job.TargetToken,
		TaxWallet:           job.TaxWallet,
		LaunchBlock:         job.StartBlock,
		PrelaunchBlock:      job.PrelaunchBlock,
		ScanStartBlock:      job.StartBlock,
		ScanEndBlock:        job.EndBlock,
		BlocksScanned:       job.TotalScanned,
		TotalBlocks:         totalBlocks,
		ProgressPercent:     100,
		IsComplete:          complete,
		TotalTaxWei:         meta.TotalWei,
		ValidTransactions:   int(job.ValidTxCount),
		SkippedTransactions: int(job.SkippedTxCount),
		UniquePayers:        len(entries),
		Leaderboard:         entries,
		TotalsByPayer:       totalsByPayer,
		GeneratedAt:         time.Now(),
	}, nil
}

func (w *Worker) gapQueue(campaignID string) *retryq.Queue[models.BlockRange] {
	w.gapsMu.Lock()
	defer w.gapsMu.Unlock()

	q, ok := w.gaps[campaignID]
	if !ok {
		q = retryq.New[models.BlockRange](retryq.Linear(w.cfg.GapRetryBackoff))
		w.gaps[campaignID] = q
	}
	return q
}

func (w *Worker) dropGapQueue(campaignID string) {
	w.gapsMu.Lock()
	defer w.gapsMu.Unlock()

	delete(w.gaps, campaignID)
	w.metrics.gapQueueDepth.DeleteLabelValues(campaignID)
}

// pruneGapQueues drops queues whose campaign left the active set behind
// the worker's back, such as jobs deleted or failed between ticks.
// Stopped jobs keep their pending gaps for a later resume.
func (w *Worker) pruneGapQueues(ctx context.Context, active []*models.ScanJob) {
	current := make(map[string]struct{}, len(active))
	for _, job := range active {
		current[job.CampaignID] = struct{}{}
	}

	w.gapsMu.Lock()
	var orphaned []string
	for id := range w.gaps {
		if _, ok := current[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	w.gapsMu.Unlock()

	for _, id := range orphaned {
		job, err := w.manager.Get(ctx, id)
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			continue
		}
		if job != nil && !job.Status.Terminal() {
			continue
		}
		w.dropGapQueue(id)
	}
}
