package models

import "time"

// LeaderboardEntry is one ranked row: exact cumulative wei plus the
// display amount derived from it.
type LeaderboardEntry struct {
	Address   string  `json:"address"`
	AmountWei string  `json:"amountWei"`
	Amount    float64 `json:"amount"`
}

// LeaderboardMeta is the aggregate record kept alongside a campaign's
// ranked entries. Totals are recomputed from the full entry set on
// every update rather than tracked incrementally, so they cannot drift.
type LeaderboardMeta struct {
	CampaignID   string    `json:"campaignId"`
	Name         string    `json:"name,omitempty"`
	TargetToken  string    `json:"targetToken"`
	TaxWallet    string    `json:"taxWallet"`
	LogoURL      string    `json:"logoUrl,omitempty"`
	TotalPayers  int64     `json:"totalPayers"`
	TotalWei     string    `json:"totalWei"`
	CurrentBlock uint64    `json:"currentBlock"`
	EndBlock     uint64    `json:"endBlock"`
	Status       JobStatus `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TaxReport is the deliverable of a one-shot synchronous scan.
type TaxReport struct {
	TokenAddress   string `json:"tokenAddress"`
	TaxWallet      string `json:"taxWallet"`
	LaunchBlock    uint64 `json:"launchBlock"`
	PrelaunchBlock uint64 `json:"prelaunchBlock"`
	ScanStartBlock uint64 `json:"scanStartBlock"`
	ScanEndBlock   uint64 `json:"scanEndBlock"`
	BlocksScanned  uint64 `json:"blocksScanned"`
	TotalBlocks    uint64 `json:"totalBlocks"`

	ProgressPercent int  `json:"progressPercent"`
	IsComplete      bool `json:"isComplete"`

	TotalTaxWei         string `json:"totalTaxWei"`
	ValidTransactions   int    `json:"validTransactions"`
	SkippedTransactions int    `json:"skippedTransactions"`
	UniquePayers        int    `json:"uniquePayers"`

	Leaderboard   []LeaderboardEntry `json:"leaderboard"`
	TotalsByPayer map[string]string  `json:"totalsByPayer"`

	GeneratedAt time.Time `json:"generatedAt"`
}
