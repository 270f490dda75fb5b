package airdropmarket

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
	"github.com/kaifufi/airdrop-market-sdk-go/claim"
	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
	"github.com/kaifufi/airdrop-market-sdk-go/permit"
)

var (
	// ErrInvalidParam represents an invalid parameter error
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrBalanceNotEnough represents insufficient balance error
	ErrBalanceNotEnough = errors.New("balance not enough")

	// ErrProofVerificationFailed is returned when the local proof checks out
	// but the ledger rejects it, usually because the snapshot is stale.
	ErrProofVerificationFailed = errors.New("proof verification failed")

	// ErrNotListingSeller is returned when unlisting a token listed by someone else.
	ErrNotListingSeller = errors.New("signer is not the listing seller")

	// ErrOwnListing is returned when purchasing one's own listing.
	ErrOwnListing = errors.New("cannot purchase own listing")

	// ErrNotTokenOwner is returned when listing a token the signer does not own.
	ErrNotTokenOwner = errors.New("signer does not own the token")
)

// Errors from the underlying packages, re-exported.
var (
	ErrNotInWhitelist         = merkle.ErrNotInWhitelist
	ErrEmptyWhitelist         = merkle.ErrEmptyWhitelist
	ErrStaleAuthorization     = permit.ErrStaleAuthorization
	ErrInvalidSignature       = permit.ErrInvalidSignature
	ErrSignatureRejected      = chain.ErrSignatureRejected
	ErrNetworkUnavailable     = chain.ErrNetworkUnavailable
	ErrTransactionReverted    = chain.ErrTransactionReverted
	ErrInsufficientGasBalance = chain.ErrInsufficientGasBalance
	ErrNotWhitelisted         = chain.ErrNotWhitelisted
	ErrAlreadyClaimed         = chain.ErrAlreadyClaimed
	ErrAuthorizationExpired   = chain.ErrAuthorizationExpired
	ErrInsufficientAllowance  = chain.ErrInsufficientAllowance
	ErrListingNotActive       = claim.ErrListingNotActive
	ErrSenderMismatch         = claim.ErrSenderMismatch
)

// RevertError is an on-chain rejection with its decoded reason.
type RevertError = chain.RevertError

// InvalidParamError represents an invalid parameter error with context
type InvalidParamError struct {
	Message string
}

func (e *InvalidParamError) Error() string {
	return e.Message
}

func (e *InvalidParamError) Is(target error) bool {
	return target == ErrInvalidParam
}

// BackendError is a non-2xx response from the event backend.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if sent again.
func (e *BackendError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
