// Package jobs manages persisted, resumable scan jobs. A job carries
// all cross-invocation state for one campaign; worker invocations read
// it, do one bounded unit of work and write it back.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-errors/errors"

	"github.com/taxscan/tax-indexer/models"
)

var (
	// ErrNotFound means no job record exists for the campaign.
	ErrNotFound = errors.New("scan job not found")
	// ErrJobActive is returned when creating over a still-active job.
	ErrJobActive = errors.New("scan job already active for campaign")
	// ErrTerminal is returned for transitions attempted on a completed
	// or failed job; terminal jobs only ever change by deletion.
	ErrTerminal = errors.New("scan job is in a terminal state")
	// ErrNotStopped is returned when resuming a job that is not
	// stopped.
	ErrNotStopped = errors.New("scan job is not stopped")
)

// Store is the persistence the manager needs: job records by campaign
// key plus an active-campaign index. GetJob returns ErrNotFound for
// missing campaigns.
type Store interface {
	GetJob(ctx context.Context, campaignID string) (*models.ScanJob, error)
	PutJob(ctx context.Context, job *models.ScanJob) error
	DeleteJob(ctx context.Context, campaignID string) error

	AddActive(ctx context.Context, campaignID string) error
	RemoveActive(ctx context.Context, campaignID string) error
	ActiveCampaigns(ctx context.Context) ([]string, error)
}

type Config struct {
	// WindowBlocks is the fixed observation window: a new job's
	// EndBlock is StartBlock + WindowBlocks. A business rule, not a
	// technical constraint, hence configurable.
	WindowBlocks uint64
	// StepBlocks bounds one work unit so an invocation fits the host
	// execution budget.
	StepBlocks uint64
	// FailureThreshold is the consecutive-failure count that turns an
	// active job into a failed one.
	FailureThreshold int
	// BlockTime drives remaining-time estimates.
	BlockTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowBlocks == 0 {
		c.WindowBlocks = 2940
	}
	if c.StepBlocks == 0 {
		c.StepBlocks = 5
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 10
	}
	if c.BlockTime == 0 {
		c.BlockTime = 2 * time.Second
	}
	return c
}

type CreateParams struct {
	CampaignID  string
	TargetToken string
	TaxWallet   string
	Name        string
	LogoURL     string
	StartBlock  uint64
	// PrelaunchBlock is where pre-trading activity begins, when the
	// launch locator found one distinct from StartBlock. Carried on the
	// job so archived reports can reproduce it.
	PrelaunchBlock uint64
}

type Manager struct {
	log   *slog.Logger
	store Store
	cfg   Config
	now   func() time.Time
}

func New(log *slog.Logger, store Store, cfg Config) *Manager {
	return &Manager{
		log:   log.With("module", "jobs"),
		store: store,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// Create starts a new scan job covering the fixed observation window
// from StartBlock. An existing active job for the campaign is an error;
// any non-active previous job is replaced.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*models.ScanJob, error) {
	existing, err := m.store.GetJob(ctx, params.CampaignID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == models.JobActive {
		return nil, errors.Errorf("campaign %s: %w", params.CampaignID, ErrJobActive)
	}

	now := m.now()
	job := &models.ScanJob{
		CampaignID:     params.CampaignID,
		Name:           params.Name,
		LogoURL:        params.LogoURL,
		TargetToken:    models.NormalizeAddress(params.TargetToken),
		TaxWallet:      models.NormalizeAddress(params.TaxWallet),
		StartBlock:     params.StartBlock,
		PrelaunchBlock: params.PrelaunchBlock,
		CurrentBlock:   params.StartBlock,
		EndBlock:       params.StartBlock + m.cfg.WindowBlocks,
		Status:         models.JobActive,
		CreatedAt:      now,
		LastScanAt:     now,
	}
	if err := m.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	if err := m.store.AddActive(ctx, job.CampaignID); err != nil {
		return nil, err
	}
	m.log.Info("Created scan job",
		"campaign", job.CampaignID,
		"startBlock", job.StartBlock, "endBlock", job.EndBlock)
	return job, nil
}

func (m *Manager) Get(ctx context.Context, campaignID string) (*models.ScanJob, error) {
	return m.store.GetJob(ctx, campaignID)
}

// ActiveJobs loads every job in the active index. Dangling index
// entries (job record deleted out of band) are skipped.
func (m *Manager) ActiveJobs(ctx context.Context) ([]*models.ScanJob, error) {
	ids, err := m.store.ActiveCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ScanJob, 0, len(ids))
	for _, id := range ids {
		job, err := m.store.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// NextRange computes the next bounded work unit, or nil when there is
// nothing to do: either the window is finished or the scan has caught
// up with the chain head and must wait.
func (m *Manager) NextRange(job *models.ScanJob, head uint64) *models.BlockRange {
	if job.CurrentBlock >= job.EndBlock || job.CurrentBlock >= head {
		return nil
	}
	to := job.CurrentBlock + m.cfg.StepBlocks
	if to > job.EndBlock {
		to = job.EndBlock
	}
	if to > head {
		to = head
	}
	return &models.BlockRange{From: job.CurrentBlock, To: to}
}

// ProgressDelta are the per-pass counters folded into the job record.
type ProgressDelta struct {
	ValidTx   uint64
	SkippedTx uint64
}

// UpdateProgress advances CurrentBlock and accumulates counters. The
// call is idempotent under at-least-once re-invocation: a newCurrent at
// or below the recorded progress changes nothing. Reaching EndBlock
// completes the job and drops it from the active index.
func (m *Manager) UpdateProgress(ctx context.Context, campaignID string, newCurrent uint64, delta ProgressDelta) (*models.ScanJob, error) {
	job, err := m.store.GetJob(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if newCurrent > job.EndBlock {
		newCurrent = job.EndBlock
	}
	if newCurrent <= job.CurrentBlock {
		// Stale or duplicate update; progress only moves forward.
		return job, nil
	}

	job.TotalScanned += newCurrent - job.CurrentBlock
	job.ValidTxCount += delta.ValidTx
	job.SkippedTxCount += delta.SkippedTx
	job.CurrentBlock = newCurrent
	job.LastScanAt = m.now()

	if job.CurrentBlock >= job.EndBlock && job.Status == models.JobActive {
		job.Status = models.JobCompleted
		job.CompletedAt = m.now()
		if err := m.store.RemoveActive(ctx, job.CampaignID); err != nil {
			return nil, err
		}
		m.log.Info("Scan job completed",
			"campaign", job.CampaignID, "endBlock", job.EndBlock)
	}
	if err := m.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RecordFailure increments the consecutive-failure count; at the
// threshold the job turns failed (terminal) and leaves the active
// index. Below it, the job stays active and the next invocation simply
// retries.
func (m *Manager) RecordFailure(ctx context.Context, campaignID string, scanErr error) (*models.ScanJob, error) {
	job, err := m.store.GetJob(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	job.ErrorCount++
	job.LastError = scanErr.Error()
	if job.ErrorCount >= m.cfg.FailureThreshold {
		job.Status = models.JobFailed
		job.FailedAt = m.now()
		if err := m.store.RemoveActive(ctx, job.CampaignID); err != nil {
			return nil, err
		}
		m.log.Error("Scan job failed",
			"campaign", job.CampaignID,
			"errorCount", job.ErrorCount, "lastError", job.LastError)
	} else {
		m.log.Warn("Scan job error recorded",
			"campaign", job.CampaignID,
			"errorCount", job.ErrorCount, "error", scanErr)
	}
	if err := m.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Stop removes the job from the active index; the transition takes
// effect before the next invocation, cooperatively. Stopping a
// terminal job is an explicit error, never a silent state change.
func (m *Manager) Stop(ctx context.Context, campaignID string) (*models.ScanJob, error) {
	job, err := m.store.GetJob(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, errors.Errorf("campaign %s: %w", campaignID, ErrTerminal)
	}
	if job.Status == models.JobStopped {
		return job, nil
	}

	job.Status = models.JobStopped
	job.StoppedAt = m.now()
	if err := m.store.RemoveActive(ctx, campaignID); err != nil {
		return nil, err
	}
	if err := m.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	m.log.Info("Scan job stopped", "campaign", campaignID)
	return job, nil
}

// Resume reactivates a stopped job, resetting its consecutive-failure
// count.
func (m *Manager) Resume(ctx context.Context, campaignID string) (*models.ScanJob, error) {
	job, err := m.store.GetJob(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, errors.Errorf("campaign %s: %w", campaignID, ErrTerminal)
	}
	if job.Status != models.JobStopped {
		return nil, errors.Errorf("campaign %s: %w", campaignID, ErrNotStopped)
	}

	job.Status = models.JobActive
	job.ErrorCount = 0
	job.LastError = ""
	if err := m.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	if err := m.store.AddActive(ctx, campaignID); err != nil {
		return nil, err
	}
	m.log.Info("Scan job resumed", "campaign", campaignID)
	return job, nil
}

// Delete removes the job record and its index entry. The only way out
// of a terminal state.
func (m *Manager) Delete(ctx context.Context, campaignID string) error {
	if err := m.store.RemoveActive(ctx, campaignID); err != nil {
		return err
	}
	if err := m.store.DeleteJob(ctx, campaignID); err != nil {
		return err
	}
	m.log.Info("Scan job deleted", "campaign", campaignID)
	return nil
}

// Stats derives operator-facing progress figures from a job record.
func (m *Manager) Stats(job *models.ScanJob) models.JobStats {
	total := job.EndBlock - job.StartBlock
	scanned := job.CurrentBlock - job.StartBlock
	remaining := job.EndBlock - job.CurrentBlock

	var percent float64
	if total > 0 {
		percent = float64(scanned) * 100 / float64(total)
	}
	return models.JobStats{
		TotalBlocks:     total,
		ScannedBlocks:   scanned,
		RemainingBlocks: remaining,
		ProgressPercent: percent,
		EstimatedTime:   time.Duration(remaining) * m.cfg.BlockTime,
	}
}
