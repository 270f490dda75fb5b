package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrSignatureRejected is returned when the signer declines a request
	ErrSignatureRejected = errors.New("signature rejected")

	// ErrNetworkUnavailable marks transport failures that left no state behind
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrTransactionReverted matches every on-chain rejection
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrInsufficientGasBalance represents insufficient gas balance error
	ErrInsufficientGasBalance = errors.New("insufficient gas balance")
)

// Revert reason classes reported by the marketplace and token contracts.
var (
	ErrNotWhitelisted        = errors.New("not whitelisted")
	ErrAlreadyClaimed        = errors.New("already claimed")
	ErrAuthorizationExpired  = errors.New("authorization expired")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// userRejectedCode is the EIP-1193 "user rejected request" error code.
const userRejectedCode = 4001

// RevertError carries the verbatim revert reason of a rejected call.
type RevertError struct {
	Reason string
	TxHash common.Hash
	// Class is one of the revert reason classes above, nil when unrecognised.
	Class error
}

// NewRevertError classifies reason and wraps it in a RevertError.
func NewRevertError(reason string, txHash common.Hash) *RevertError {
	return &RevertError{
		Reason: reason,
		TxHash: txHash,
		Class:  classifyRevert(reason),
	}
}

func (e *RevertError) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("execution reverted: %s (tx %s)", e.Reason, e.TxHash.Hex())
	}
	return "execution reverted: " + e.Reason
}

// Is matches ErrTransactionReverted and the classified reason.
func (e *RevertError) Is(target error) bool {
	if target == ErrTransactionReverted {
		return true
	}
	return e.Class != nil && target == e.Class
}

func classifyRevert(reason string) error {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "not whitelisted"), strings.Contains(r, "invalid proof"):
		return ErrNotWhitelisted
	case strings.Contains(r, "already claimed"):
		return ErrAlreadyClaimed
	case strings.Contains(r, "expired"):
		return ErrAuthorizationExpired
	case strings.Contains(r, "insufficient allowance"), strings.Contains(r, "insufficientallowance"):
		return ErrInsufficientAllowance
	default:
		return nil
	}
}

// DecodeRevertData turns raw revert data into a readable reason: the
// Error(string) payload, or the name of a known custom error.
func DecodeRevertData(data []byte) string {
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		for _, parsed := range []abi.ABI{GetMarketplaceABI(), GetERC20ABI()} {
			for name, e := range parsed.Errors {
				if bytes.Equal(e.ID[:4], data[:4]) {
					return name
				}
			}
		}
	}
	return "unknown revert " + hexutil.Encode(data)
}

// revertFromError extracts a revert from an RPC error, if it is one.
func revertFromError(err error, txHash common.Hash) (*RevertError, bool) {
	var revertErr *RevertError
	if errors.As(err, &revertErr) {
		return revertErr, true
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(raw); decErr == nil && len(data) > 0 {
				return NewRevertError(DecodeRevertData(data), txHash), true
			}
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		return NewRevertError(reason, txHash), true
	}
	return nil, false
}

// wrapRPCError classifies an RPC failure as a revert, a node-side error or
// a transport failure.
func wrapRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if revertErr, ok := revertFromError(err, common.Hash{}); ok {
		return revertErr
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetworkUnavailable, err)
}
