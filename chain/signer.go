package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedDataSigner produces EIP-712 signatures on behalf of one account.
type TypedDataSigner interface {
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// PrivateKeySigner signs typed data with a local ECDSA key.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPrivateKeySigner creates a signer from a hex-encoded private key
// (with or without "0x" prefix).
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewPrivateKeySignerFromKey(privateKey), nil
}

// NewPrivateKeySignerFromKey wraps an already parsed key.
func NewPrivateKeySignerFromKey(privateKey *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the Ethereum address of the signer.
func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

// SignTypedData signs EIP-712 typed data and returns a 65-byte r||s||v
// signature with v in {27, 28}.
func (s *PrivateKeySigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27
	return signature, nil
}

// RPCSigner delegates signing to a wallet endpoint via eth_signTypedData_v4.
// The wallet may refuse, in which case ErrSignatureRejected is returned.
type RPCSigner struct {
	client  *rpc.Client
	account common.Address
}

// NewRPCSigner creates a signer for account backed by client.
func NewRPCSigner(client *rpc.Client, account common.Address) *RPCSigner {
	return &RPCSigner{client: client, account: account}
}

// Address returns the wallet account.
func (s *RPCSigner) Address() common.Address {
	return s.account
}

// SignTypedData asks the wallet for a signature.
func (s *RPCSigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode typed data: %w", err)
	}

	var signature hexutil.Bytes
	err = s.client.CallContext(ctx, &signature, "eth_signTypedData_v4", s.account.Hex(), string(payload))
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
			return nil, fmt.Errorf("%w: %s", ErrSignatureRejected, rpcErr.Error())
		}
		return nil, wrapRPCError("eth_signTypedData_v4", err)
	}

	if len(signature) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSignatureLength, len(signature))
	}
	if signature[64] < 27 {
		signature[64] += 27
	}
	return signature, nil
}
