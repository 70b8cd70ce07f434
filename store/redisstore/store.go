// Package redisstore persists scan jobs, leaderboards and archived
// reports in Redis. Key layout per campaign:
//
//	tax-scan-job:<id>             job record, JSON string
//	tax-scan-jobs:active          set of active campaign ids
//	tax-leaderboard:<id>          zset, score ranks payers
//	tax-leaderboard-amounts:<id>  hash, exact wei per payer
//	tax-leaderboard-meta:<id>     aggregate record, JSON string
//	tax-report:<id>               archived report, zstd-compressed JSON
package redisstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"

	"github.com/go-errors/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/taxscan/tax-indexer/jobs"
	"github.com/taxscan/tax-indexer/models"
)

const (
	jobKeyPrefix         = "tax-scan-job:"
	activeJobsKey        = "tax-scan-jobs:active"
	leaderboardKeyPrefix = "tax-leaderboard:"
	amountsKeyPrefix     = "tax-leaderboard-amounts:"
	metaKeyPrefix        = "tax-leaderboard-meta:"
	reportKeyPrefix      = "tax-report:"
)

// ErrNoMeta means no aggregate record has been written for the
// campaign yet.
var ErrNoMeta = errors.New("no leaderboard meta for campaign")

type Store struct {
	log     *slog.Logger
	rdb     *redis.Client
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New connects to Redis at the given URL and verifies the connection
// with a ping before returning.
func New(ctx context.Context, log *slog.Logger, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Errorf("pinging redis: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{
		log:     log.With("module", "redisstore"),
		rdb:     rdb,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.rdb.Close()
}

// --- jobs.Store ---

func (s *Store) GetJob(ctx context.Context, campaignID string) (*models.ScanJob, error) {
	raw, err := s.rdb.Get(ctx, jobKeyPrefix+campaignID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Errorf("campaign %s: %w", campaignID, jobs.ErrNotFound)
	}
	if err != nil {
		return nil, errors.Errorf("reading job %s: %w", campaignID, err)
	}
	var job models.ScanJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, errors.Errorf("decoding job %s: %w", campaignID, err)
	}
	return &job, nil
}

func (s *Store) PutJob(ctx context.Context, job *models.ScanJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Errorf("encoding job %s: %w", job.CampaignID, err)
	}
	if err := s.rdb.Set(ctx, jobKeyPrefix+job.CampaignID, raw, 0).Err(); err != nil {
		return errors.Errorf("writing job %s: %w", job.CampaignID, err)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, campaignID string) error {
	return s.rdb.Del(ctx,
		jobKeyPrefix+campaignID,
		leaderboardKeyPrefix+campaignID,
		amountsKeyPrefix+campaignID,
		metaKeyPrefix+campaignID,
		reportKeyPrefix+campaignID,
	).Err()
}

func (s *Store) AddActive(ctx context.Context, campaignID string) error {
	return s.rdb.SAdd(ctx, activeJobsKey, campaignID).Err()
}

func (s *Store) RemoveActive(ctx context.Context, campaignID string) error {
	return s.rdb.SRem(ctx, activeJobsKey, campaignID).Err()
}

func (s *Store) ActiveCampaigns(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activeJobsKey).Result()
	if err != nil {
		return nil, errors.Errorf("reading active campaigns: %w", err)
	}
	return ids, nil
}

// --- leaderboard.Store ---

func (s *Store) GetAmount(ctx context.Context, campaignID, address string) (*big.Int, error) {
	raw, err := s.rdb.HGet(ctx, amountsKeyPrefix+campaignID, address).Result()
	if errors.Is(err, redis.Nil) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.Errorf("corrupt amount for %s in campaign %s: %q", address, campaignID, raw)
	}
	return amount, nil
}

func (s *Store) SetAmount(ctx context.Context, campaignID, address string, amount *big.Int, score float64) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, amountsKeyPrefix+campaignID, address, amount.String())
	pipe.ZAdd(ctx, leaderboardKeyPrefix+campaignID, redis.Z{Score: score, Member: address})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Errorf("writing amount for %s: %w", address, err)
	}
	return nil
}

func (s *Store) AllAmounts(ctx context.Context, campaignID string) (map[string]*big.Int, error) {
	raw, err := s.rdb.HGetAll(ctx, amountsKeyPrefix+campaignID).Result()
	if err != nil {
		return nil, errors.Errorf("reading amounts for campaign %s: %w", campaignID, err)
	}
	out := make(map[string]*big.Int, len(raw))
	for addr, val := range raw {
		amount, ok := new(big.Int).SetString(val, 10)
		if !ok {
			return nil, errors.Errorf("corrupt amount for %s in campaign %s: %q", addr, campaignID, val)
		}
		out[addr] = amount
	}
	return out, nil
}

func (s *Store) Clear(ctx context.Context, campaignID string) error {
	return s.rdb.Del(ctx,
		leaderboardKeyPrefix+campaignID,
		amountsKeyPrefix+campaignID,
	).Err()
}

func (s *Store) SetMeta(ctx context.Context, meta *models.LeaderboardMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Errorf("encoding meta for campaign %s: %w", meta.CampaignID, err)
	}
	return s.rdb.Set(ctx, metaKeyPrefix+meta.CampaignID, raw, 0).Err()
}

func (s *Store) GetMeta(ctx context.Context, campaignID string) (*models.LeaderboardMeta, error) {
	raw, err := s.rdb.Get(ctx, metaKeyPrefix+campaignID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Errorf("campaign %s: %w", campaignID, ErrNoMeta)
	}
	if err != nil {
		return nil, err
	}
	var meta models.LeaderboardMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Errorf("decoding meta for campaign %s: %w", campaignID, err)
	}
	return &meta, nil
}

// --- report archive ---

// PutReport archives a completed report, zstd-compressed. Reports are
// read rarely compared to how long they sit in Redis.
func (s *Store) PutReport(ctx context.Context, campaignID string, report *models.TaxReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return errors.Errorf("encoding report for campaign %s: %w", campaignID, err)
	}
	compressed := s.encoder.EncodeAll(raw, nil)
	if err := s.rdb.Set(ctx, reportKeyPrefix+campaignID, compressed, 0).Err(); err != nil {
		return errors.Errorf("writing report for campaign %s: %w", campaignID, err)
	}
	s.log.Debug("Archived report",
		"campaign", campaignID, "rawBytes", len(raw), "storedBytes", len(compressed))
	return nil
}

func (s *Store) GetReport(ctx context.Context, campaignID string) (*models.TaxReport, error) {
	compressed, err := s.rdb.Get(ctx, reportKeyPrefix+campaignID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Errorf("campaign %s: %w", campaignID, jobs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Errorf("decompressing report for campaign %s: %w", campaignID, err)
	}
	var report models.TaxReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, errors.Errorf("decoding report for campaign %s: %w", campaignID, err)
	}
	return &report, nil
}
