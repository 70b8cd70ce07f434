package ethunits_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taxscan/tax-indexer/lib/ethunits"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad wei: " + s)
	}
	return v
}

func TestFormatEther(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "0.000000000000000001"},
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"5000000000000000003", "5.000000000000000003"},
		{"123000000000000000000", "123"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ethunits.FormatEther(wei(tt.in)), "wei %s", tt.in)
	}
}

func TestFormatUnits(t *testing.T) {
	require.Equal(t, "12.34", ethunits.FormatUnits(wei("1234"), 2))
	require.Equal(t, "1234", ethunits.FormatUnits(wei("1234"), 0))
	require.Equal(t, "0.1234", ethunits.FormatUnits(wei("1234"), 4))
	require.Equal(t, "0.01234", ethunits.FormatUnits(wei("1234"), 5))
	require.Equal(t, "0", ethunits.FormatUnits(nil, 18))
}

func TestEtherFloat(t *testing.T) {
	require.InDelta(t, 1.5, ethunits.EtherFloat(wei("1500000000000000000")), 1e-9)
	require.Zero(t, ethunits.EtherFloat(nil))
}
