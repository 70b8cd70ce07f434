package store_mock

import (
	"context"
	"math/big"
	"sync"

	"github.com/go-errors/errors"

	"github.com/taxscan/tax-indexer/jobs"
	"github.com/taxscan/tax-indexer/models"
)

// Mem is an in-memory stand-in for the Redis store, covering the job,
// leaderboard and report-archive interfaces. Safe for concurrent use.
type Mem struct {
	mu      sync.Mutex
	jobs    map[string]models.ScanJob
	active  map[string]struct{}
	amounts map[string]map[string]*big.Int
	meta    map[string]models.LeaderboardMeta
	reports map[string]models.TaxReport
}

func NewMem() *Mem {
	return &Mem{
		jobs:    make(map[string]models.ScanJob),
		active:  make(map[string]struct{}),
		amounts: make(map[string]map[string]*big.Int),
		meta:    make(map[string]models.LeaderboardMeta),
		reports: make(map[string]models.TaxReport),
	}
}

func (s *Mem) GetJob(_ context.Context, id string) (*models.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Errorf("campaign %s: %w", id, jobs.ErrNotFound)
	}
	copied := job
	return &copied, nil
}

func (s *Mem) PutJob(_ context.Context, job *models.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.CampaignID] = *job
	return nil
}

func (s *Mem) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *Mem) AddActive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = struct{}{}
	return nil
}

func (s *Mem) RemoveActive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	return nil
}

func (s *Mem) ActiveCampaigns(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Mem) GetAmount(_ context.Context, campaign, address string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amt, ok := s.amounts[campaign][address]; ok {
		return new(big.Int).Set(amt), nil
	}
	return new(big.Int), nil
}

func (s *Mem) SetAmount(_ context.Context, campaign, address string, amount *big.Int, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.amounts[campaign] == nil {
		s.amounts[campaign] = make(map[string]*big.Int)
	}
	s.amounts[campaign][address] = new(big.Int).Set(amount)
	return nil
}

func (s *Mem) AllAmounts(_ context.Context, campaign string) (map[string]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*big.Int, len(s.amounts[campaign]))
	for addr, amt := range s.amounts[campaign] {
		out[addr] = new(big.Int).Set(amt)
	}
	return out, nil
}

func (s *Mem) Clear(_ context.Context, campaign string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.amounts, campaign)
	return nil
}

func (s *Mem) SetMeta(_ context.Context, meta *models.LeaderboardMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[meta.CampaignID] = *meta
	return nil
}

func (s *Mem) GetMeta(_ context.Context, campaign string) (*models.LeaderboardMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.meta[campaign]
	if !ok {
		return nil, errors.Errorf("no meta for campaign %s", campaign)
	}
	return &meta, nil
}

func (s *Mem) PutReport(_ context.Context, campaign string, report *models.TaxReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[campaign] = *report
	return nil
}

// Amount returns the stored exact amount for assertions; nil when
// absent.
func (s *Mem) Amount(campaign, address string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amt, ok := s.amounts[campaign][address]; ok {
		return new(big.Int).Set(amt)
	}
	return nil
}

// Report returns the archived report for assertions; nil when absent.
func (s *Mem) Report(campaign string) *models.TaxReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reports[campaign]; ok {
		copied := r
		return &copied
	}
	return nil
}
