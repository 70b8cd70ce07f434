package models

import (
	"strings"
	"time"
)

type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobStopped   JobStatus = "stopped"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further status transitions are allowed,
// short of explicit deletion.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// BlockRange is an inclusive block interval [From, To].
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (r BlockRange) Valid() bool {
	return r.From <= r.To
}

// Count is the number of blocks the range covers.
func (r BlockRange) Count() uint64 {
	if !r.Valid() {
		return 0
	}
	return r.To - r.From + 1
}

// ScanJob is the persisted, resumable state of one campaign scan.
// All cross-invocation progress lives here; worker invocations are
// otherwise stateless.
type ScanJob struct {
	CampaignID  string `json:"campaignId"`
	Name        string `json:"name,omitempty"`
	LogoURL     string `json:"logoUrl,omitempty"`
	TargetToken string `json:"targetToken"`
	TaxWallet   string `json:"taxWallet"`

	StartBlock     uint64 `json:"startBlock"`
	PrelaunchBlock uint64 `json:"prelaunchBlock,omitempty"`
	CurrentBlock   uint64 `json:"currentBlock"`
	EndBlock       uint64 `json:"endBlock"`

	Status JobStatus `json:"status"`

	TotalScanned   uint64 `json:"totalScanned"`
	ValidTxCount   uint64 `json:"validTxCount"`
	SkippedTxCount uint64 `json:"skippedTxCount"`

	ErrorCount int    `json:"errorCount"`
	LastError  string `json:"lastError,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	LastScanAt  time.Time `json:"lastScanAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	StoppedAt   time.Time `json:"stoppedAt,omitempty"`
	FailedAt    time.Time `json:"failedAt,omitempty"`
}

// JobStats are derived progress figures for operators and the UI layer.
type JobStats struct {
	TotalBlocks     uint64        `json:"totalBlocks"`
	ScannedBlocks   uint64        `json:"scannedBlocks"`
	RemainingBlocks uint64        `json:"remainingBlocks"`
	ProgressPercent float64       `json:"progressPercent"`
	EstimatedTime   time.Duration `json:"estimatedRemainingTime"`
}

// NormalizeAddress lowercases a 0x-prefixed hex address. Job records
// always store addresses in this form so key lookups and comparisons
// never depend on checksum casing.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
