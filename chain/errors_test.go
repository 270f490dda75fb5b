package chain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func revertData(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestClassifyRevert(t *testing.T) {
	cases := []struct {
		reason string
		want   error
	}{
		{"Not whitelisted", ErrNotWhitelisted},
		{"Invalid proof", ErrNotWhitelisted},
		{"Already claimed", ErrAlreadyClaimed},
		{"ERC2612ExpiredSignature", ErrAuthorizationExpired},
		{"ERC20: insufficient allowance", ErrInsufficientAllowance},
		{"ERC20InsufficientAllowance", ErrInsufficientAllowance},
		{"Listing not active", nil},
	}

	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			err := NewRevertError(tc.reason, common.Hash{})
			assert.ErrorIs(t, err, ErrTransactionReverted)
			assert.Equal(t, tc.reason, err.Reason)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			} else {
				assert.Nil(t, err.Class)
			}
		})
	}
}

func TestDecodeRevertData(t *testing.T) {
	assert.Equal(t, "Already claimed", DecodeRevertData(revertData(t, "Already claimed")))

	customErr := GetERC20ABI().Errors["ERC20InsufficientAllowance"]
	args, err := customErr.Inputs.Pack(common.HexToAddress("0x01"), big.NewInt(0), big.NewInt(5))
	require.NoError(t, err)
	data := append(append([]byte{}, customErr.ID[:4]...), args...)
	assert.Equal(t, "ERC20InsufficientAllowance", DecodeRevertData(data))

	assert.Contains(t, DecodeRevertData([]byte{0xde, 0xad, 0xbe, 0xef}), "unknown revert")
}

func TestWrapRPCError(t *testing.T) {
	t.Run("revert data", func(t *testing.T) {
		err := wrapRPCError("call", &rpcDataError{msg: "execution reverted", data: revertData(t, "Not whitelisted")})
		assert.ErrorIs(t, err, ErrNotWhitelisted)
		assert.ErrorIs(t, err, ErrTransactionReverted)
		assert.NotErrorIs(t, err, ErrNetworkUnavailable)
	})

	t.Run("revert message only", func(t *testing.T) {
		err := wrapRPCError("call", errors.New("execution reverted: Already claimed"))
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	})

	t.Run("node error", func(t *testing.T) {
		err := wrapRPCError("call", &rpcDataError{msg: "nonce too low"})
		assert.NotErrorIs(t, err, ErrNetworkUnavailable)
		assert.NotErrorIs(t, err, ErrTransactionReverted)
	})

	t.Run("transport error", func(t *testing.T) {
		err := wrapRPCError("call", fmt.Errorf("dial tcp 127.0.0.1:8545: connection refused"))
		assert.ErrorIs(t, err, ErrNetworkUnavailable)
	})

	assert.NoError(t, wrapRPCError("call", nil))
}
