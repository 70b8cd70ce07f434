package ethrpc

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/go-errors/errors"
)

// ErrorKind buckets RPC failures for retry decisions.
type ErrorKind int

const (
	// KindTransient covers timeouts, resets and anything else worth a
	// plain retry.
	KindTransient ErrorKind = iota
	// KindRateLimited means the provider is throttling us; back off
	// longer and shrink the query.
	KindRateLimited
	// KindRangeTooLarge means the block range exceeded a provider
	// limit; not a failure, just a signal to shrink the chunk.
	KindRangeTooLarge
	// KindNotFound is a definitive negative answer; retrying is
	// pointless.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate-limited"
	case KindRangeTooLarge:
		return "range-too-large"
	case KindNotFound:
		return "not-found"
	default:
		return "transient"
	}
}

// Classify maps a provider error onto an ErrorKind. Providers signal
// limits inconsistently (HTTP 429, embedded strings, vendor-specific
// messages), so this falls back to substring matching on the message.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, ethereum.NotFound) {
		return KindNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "block range"),
		strings.Contains(msg, "query returned more than"),
		strings.Contains(msg, "response size"),
		strings.Contains(msg, "limit exceeded"):
		return KindRangeTooLarge
	case strings.Contains(msg, "not found"):
		return KindNotFound
	default:
		return KindTransient
	}
}

// Retryable reports whether a retry can possibly help. Per-call
// timeouts are transient; an outright cancellation is not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err) != KindNotFound
}
