package airdropmarket

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		decimals int
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"0.1", 18, "100000000000000000"},
		{".5", 18, "500000000000000000"},
		{"2.000001", 6, "2000001"},
		{"0", 18, "0"},
		{"42", 0, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in, tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseAmountRejects(t *testing.T) {
	for _, in := range []string{"", "-1", "1.2.3", "abc", "0.1234567"} {
		_, err := ParseAmount(in, 6)
		assert.ErrorIs(t, err, ErrInvalidParam, in)
	}

	_, err := ParseAmount("1", 19)
	assert.ErrorIs(t, err, ErrInvalidParam)

	huge := new(big.Int).Lsh(big.NewInt(1), 256).String()
	_, err = ParseAmount(huge, 0)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1", FormatAmount(big.NewInt(1e18), 18))
	assert.Equal(t, "0.5", FormatAmount(big.NewInt(5e17), 18))
	assert.Equal(t, "0.000000000000000001", FormatAmount(big.NewInt(1), 18))
	assert.Equal(t, "9.5", FormatAmount(big.NewInt(9_500_000), 6))
	assert.Equal(t, "-0.25", FormatAmount(big.NewInt(-250_000), 6))
	assert.Equal(t, "0", FormatAmount(nil, 18))
	assert.Equal(t, "7", FormatAmount(big.NewInt(7), 0))

	wei, err := ParseAmount("123.456", 18)
	require.NoError(t, err)
	assert.Equal(t, "123.456", FormatAmount(wei, 18))
}
