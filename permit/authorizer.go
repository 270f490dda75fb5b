// Package permit builds and checks EIP-2612 permit authorizations: an
// owner's off-chain signature granting a spender a single-use allowance.
package permit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
)

var (
	// ErrStaleAuthorization is returned when the deadline has passed before
	// submission. Rebuild with a fresh nonce and deadline.
	ErrStaleAuthorization = errors.New("stale authorization")

	// ErrInvalidSignature is returned when the signature does not recover to the owner.
	ErrInvalidSignature = errors.New("invalid permit signature")

	// ErrInvalidAuthorization is returned for malformed authorization requests.
	ErrInvalidAuthorization = errors.New("invalid authorization")
)

// TokenReader reads the permit-related state of the payment token.
type TokenReader interface {
	TokenName(ctx context.Context) (string, error)
	TokenNonces(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Authorizer produces permits for the token at a fixed address on one chain.
type Authorizer struct {
	tokens  TokenReader
	signer  chain.TypedDataSigner
	chainID *big.Int
	token   common.Address
	now     func() time.Time
	logger  *zap.Logger
}

// NewAuthorizer creates an Authorizer. signer signs on behalf of the owner.
func NewAuthorizer(tokens TokenReader, signer chain.TypedDataSigner, chainID *big.Int, token common.Address, logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{
		tokens:  tokens,
		signer:  signer,
		chainID: new(big.Int).Set(chainID),
		token:   token,
		now:     time.Now,
		logger:  logger.Named("permit"),
	}
}

// WithClock replaces the wall clock used for deadlines.
func (a *Authorizer) WithClock(now func() time.Time) *Authorizer {
	a.now = now
	return a
}

// CurrentNonce returns the owner's next permit nonce.
func (a *Authorizer) CurrentNonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	nonce, err := a.tokens.TokenNonces(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to read permit nonce: %w", err)
	}
	return nonce, nil
}

// Domain returns the EIP-712 domain of the token.
func (a *Authorizer) Domain(ctx context.Context) (*chain.EIP712Domain, error) {
	name, err := a.tokens.TokenName(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read token name: %w", err)
	}
	return chain.NewEIP712Domain(name, new(big.Int).Set(a.chainID), a.token), nil
}

// BuildAuthorization signs a permit letting spender move value of the token
// from owner until now+ttl.
func (a *Authorizer) BuildAuthorization(ctx context.Context, owner, spender common.Address, value *big.Int, ttl time.Duration) (*Authorization, error) {
	switch {
	case owner != a.signer.Address():
		return nil, fmt.Errorf("%w: owner %s is not the signer %s", ErrInvalidAuthorization, owner.Hex(), a.signer.Address().Hex())
	case spender == (common.Address{}):
		return nil, fmt.Errorf("%w: zero spender", ErrInvalidAuthorization)
	case value == nil || value.Sign() < 0:
		return nil, fmt.Errorf("%w: value must be non-negative", ErrInvalidAuthorization)
	case ttl <= 0:
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidAuthorization)
	}

	domain, err := a.Domain(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := a.CurrentNonce(ctx, owner)
	if err != nil {
		return nil, err
	}

	deadline := big.NewInt(a.now().Add(ttl).Unix())
	message := &chain.PermitTypedData{
		Owner:    owner,
		Spender:  spender,
		Value:    new(big.Int).Set(value),
		Nonce:    nonce,
		Deadline: deadline,
	}

	sig, err := a.signer.SignTypedData(ctx, message.ToTypedData(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to sign permit: %w", err)
	}
	v, r, s, err := chain.SplitSignature(sig)
	if err != nil {
		return nil, err
	}

	auth := &Authorization{
		Domain:   *domain,
		Owner:    owner,
		Spender:  spender,
		Value:    message.Value,
		Nonce:    nonce,
		Deadline: deadline,
		V:        v,
		R:        r,
		S:        s,
	}

	a.logger.Debug("permit signed",
		zap.String("owner", owner.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("value", value.String()),
		zap.String("nonce", nonce.String()),
		zap.Int64("deadline", deadline.Int64()),
	)
	return auth, nil
}
