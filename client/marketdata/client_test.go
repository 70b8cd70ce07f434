package marketdata_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/taxscan/tax-indexer/client/marketdata"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEarliestPoolCreation(t *testing.T) {
	token := common.HexToAddress("0xAbC0000000000000000000000000000000000001")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokens/0xabc0000000000000000000000000000000000001", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pools":[
			{"createdAt":"2026-03-02T10:00:00Z"},
			{"createdAt":"2026-03-01T09:30:00Z"},
			{"createdAt":"2026-03-05T00:00:00Z"}
		]}`))
	}))
	defer server.Close()

	lookup := marketdata.New(testLogger(), marketdata.Config{BaseURL: server.URL, APIKey: "secret"})
	createdAt, err := lookup.EarliestPoolCreation(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), createdAt.UTC())
}

func TestEarliestPoolCreationNoPools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"pools":[]}`))
	}))
	defer server.Close()

	lookup := marketdata.New(testLogger(), marketdata.Config{BaseURL: server.URL})
	_, err := lookup.EarliestPoolCreation(context.Background(), common.HexToAddress("0x01"))
	require.ErrorIs(t, err, marketdata.ErrNoPools)
}

func TestEarliestPoolCreationUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	lookup := marketdata.New(testLogger(), marketdata.Config{BaseURL: server.URL})
	_, err := lookup.EarliestPoolCreation(context.Background(), common.HexToAddress("0x01"))
	require.Error(t, err)
}
