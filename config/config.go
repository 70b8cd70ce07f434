package config

import (
	"errors"
	"time"

	flags "github.com/jessevdk/go-flags"
)

type RPCClient struct {
	NodeURL string `long:"rpc-node-url" env:"RPC_NODE_URL" description:"URL for the blockchain node"`
}

func (r RPCClient) HasError() error {
	if r.NodeURL == "" {
		return errors.New("RPC node URL is required")
	}
	return nil
}

type Redis struct {
	URL string `long:"redis-url" env:"REDIS_URL" description:"Redis connection URL" default:"redis://localhost:6379/0"`
}

type MarketData struct {
	URL    string `long:"marketdata-url" env:"MARKETDATA_URL" description:"Base URL of the pool-metadata API, empty disables the launch fast path"` // nolint:lll
	APIKey string `long:"marketdata-api-key" env:"MARKETDATA_API_KEY" description:"API key for the pool-metadata API"`
}

type Scan struct {
	TaxToken        string        `long:"tax-token" env:"TAX_TOKEN" description:"Fee-currency token contract whose transfers are tax payments"`              // nolint:lll
	WindowBlocks    uint64        `long:"window-blocks" env:"WINDOW_BLOCKS" description:"Observation window after launch, in blocks" default:"2940"`         // nolint:lll
	StepBlocks      uint64        `long:"step-blocks" env:"STEP_BLOCKS" description:"Blocks advanced per job per tick" default:"5"`                          // nolint:lll
	ChunkSize       uint64        `long:"chunk-size" env:"CHUNK_SIZE" description:"Initial log-filter chunk size in blocks" default:"500"`                   // nolint:lll
	MaxChunkSize    uint64        `long:"max-chunk-size" env:"MAX_CHUNK_SIZE" description:"Upper bound for the adaptive chunk size" default:"2000"`          // nolint:lll
	MaxRetries      int           `long:"max-retries" env:"MAX_RETRIES" description:"Attempts per chunk before applying the failure policy" default:"5"`    // nolint:lll
	OnChunkFailure  string        `long:"on-chunk-failure" env:"ON_CHUNK_FAILURE" description:"Policy when a chunk exhausts retries" choice:"skip" choice:"abort" default:"skip"` // nolint:lll
	Strategy        string        `long:"attribution-strategy" env:"ATTRIBUTION_STRATEGY" description:"How tax payments map to payers" choice:"receipt" choice:"intersection" default:"receipt"` // nolint:lll
	ReceiptWorkers  int           `long:"receipt-workers" env:"RECEIPT_WORKERS" description:"Concurrent receipt fetches per range" default:"5"`              // nolint:lll
	SecondsPerBlock time.Duration `long:"block-time" env:"BLOCK_TIME" description:"Average block time, drives launch estimates" default:"2s"`                // nolint:lll
	SafetyMargin    uint64        `long:"launch-safety-margin" env:"LAUNCH_SAFETY_MARGIN" description:"Blocks subtracted from the estimated launch block" default:"150"` // nolint:lll
}

func (s Scan) HasError() error {
	if s.TaxToken == "" {
		return errors.New("tax token address is required")
	}
	if s.ChunkSize == 0 || s.MaxChunkSize < s.ChunkSize {
		return errors.New("chunk sizes must satisfy 0 < chunk-size <= max-chunk-size")
	}
	return nil
}

type Worker struct {
	TickInterval      time.Duration `long:"tick-interval" env:"TICK_INTERVAL" description:"Pause between scan passes in loop mode" default:"15s"`          // nolint:lll
	RangesPerTick     int           `long:"ranges-per-tick" env:"RANGES_PER_TICK" description:"Work units per job per pass" default:"1"`                   // nolint:lll
	MaxConcurrentJobs int           `long:"max-concurrent-jobs" env:"MAX_CONCURRENT_JOBS" description:"Campaigns scanned in parallel" default:"4"`        // nolint:lll
	FailureThreshold  int           `long:"failure-threshold" env:"FAILURE_THRESHOLD" description:"Consecutive failures before a job fails" default:"10"` // nolint:lll
}

type Config struct {
	RPCNode    RPCClient
	Redis      Redis
	MarketData MarketData
	Scan       Scan
	Worker     Worker

	RunOnce      bool   `long:"run-once" env:"RUN_ONCE" description:"Run a single scan pass and exit (cron mode)"`
	ReportToken  string `long:"report-token" env:"REPORT_TOKEN" description:"Run a one-shot report for this token and exit"`
	ReportWallet string `long:"report-wallet" env:"REPORT_WALLET" description:"Tax wallet for the one-shot report"`
	MetricsAddr  string `long:"metrics-addr" env:"METRICS_ADDR" description:"Listen address for Prometheus metrics" default:":2112"`
	LogLevel     string `long:"log-level" env:"LOG_LEVEL" description:"Log level" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"` // nolint:lll
}

func (c Config) HasError() error {
	if err := c.RPCNode.HasError(); err != nil {
		return err
	}
	if err := c.Scan.HasError(); err != nil {
		return err
	}
	if c.ReportToken != "" && c.ReportWallet == "" {
		return errors.New("report mode requires a tax wallet")
	}
	return nil
}

func Parse() (*Config, error) {
	var config Config
	parser := flags.NewParser(&config, flags.Default)
	_, err := parser.Parse()
	if err != nil {
		return nil, err
	}
	if err := config.HasError(); err != nil {
		return nil, err
	}
	return &config, nil
}
