package permit

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
)

// Authorization is a signed permit ready to be consumed on-chain.
type Authorization struct {
	Domain   chain.EIP712Domain
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	V        uint8
	R        [32]byte
	S        [32]byte
}

// Message returns the signed Permit struct.
func (a *Authorization) Message() *chain.PermitTypedData {
	return &chain.PermitTypedData{
		Owner:    a.Owner,
		Spender:  a.Spender,
		Value:    a.Value,
		Nonce:    a.Nonce,
		Deadline: a.Deadline,
	}
}

// Digest returns the EIP-712 hash the owner signed.
func (a *Authorization) Digest() common.Hash {
	return chain.CreatePermitSignHash(&a.Domain, a.Message())
}

// Signature returns the 65-byte r||s||v signature.
func (a *Authorization) Signature() []byte {
	return chain.JoinSignature(a.V, a.R, a.S)
}

// Verify checks that the signature recovers to Owner for exactly these fields.
func (a *Authorization) Verify() error {
	signer, err := chain.RecoverSigner(a.Digest(), a.Signature())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != a.Owner {
		return fmt.Errorf("%w: recovered %s, owner %s", ErrInvalidSignature, signer.Hex(), a.Owner.Hex())
	}
	return nil
}

// Expired reports whether the deadline is before now.
func (a *Authorization) Expired(now time.Time) bool {
	return a.Deadline.Cmp(big.NewInt(now.Unix())) < 0
}

// CheckFresh returns ErrStaleAuthorization once the deadline has elapsed.
func (a *Authorization) CheckFresh(now time.Time) error {
	if a.Expired(now) {
		return fmt.Errorf("%w: deadline %s passed at %s", ErrStaleAuthorization, a.Deadline, now.UTC().Format(time.RFC3339))
	}
	return nil
}

// Covers reports whether the authorized value is at least amount.
func (a *Authorization) Covers(amount *big.Int) bool {
	return a.Value.Cmp(amount) >= 0
}
