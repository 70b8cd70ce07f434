package ethrpc_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/go-errors/errors"
	"github.com/stretchr/testify/require"

	"github.com/taxscan/tax-indexer/client/ethrpc"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ethrpc.ErrorKind
	}{
		{"nil", nil, ethrpc.KindTransient},
		{"http 429", errors.New("429 Too Many Requests"), ethrpc.KindRateLimited},
		{"rate limit message", errors.New("daily rate limit reached"), ethrpc.KindRateLimited},
		{"alchemy range cap", errors.New("query returned more than 10000 results"), ethrpc.KindRangeTooLarge},
		{"infura range cap", errors.New("block range is too wide"), ethrpc.KindRangeTooLarge},
		{"response size cap", errors.New("response size exceeded"), ethrpc.KindRangeTooLarge},
		{"sentinel not found", ethereum.NotFound, ethrpc.KindNotFound},
		{"wrapped not found", errors.Errorf("receipt: %w", ethereum.NotFound), ethrpc.KindNotFound},
		{"message not found", errors.New("transaction not found"), ethrpc.KindNotFound},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ethrpc.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ethrpc.Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	require.True(t, ethrpc.Retryable(errors.New("connection reset")))
	require.True(t, ethrpc.Retryable(context.DeadlineExceeded), "per-call timeouts retry")
	require.False(t, ethrpc.Retryable(context.Canceled))
	require.False(t, ethrpc.Retryable(ethereum.NotFound))
}
