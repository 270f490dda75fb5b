package merkle

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Proof is an ordered list of sibling hashes from leaf to root.
type Proof []common.Hash

// Bytes32 converts the proof into the bytes32[] form expected by the ABI encoder.
func (p Proof) Bytes32() [][32]byte {
	out := make([][32]byte, len(p))
	for i, h := range p {
		out[i] = h
	}
	return out
}

// Hex returns the proof as 0x-prefixed hex strings.
func (p Proof) Hex() []string {
	out := make([]string, len(p))
	for i, h := range p {
		out[i] = h.Hex()
	}
	return out
}

// ProofFromBytes32 is the inverse of Bytes32.
func ProofFromBytes32(raw [][32]byte) Proof {
	out := make(Proof, len(raw))
	for i, b := range raw {
		out[i] = common.Hash(b)
	}
	return out
}

// ParseHexProof decodes a proof given as hex strings.
func ParseHexProof(items []string) (Proof, error) {
	out := make(Proof, len(items))
	for i, item := range items {
		raw, err := hexutil.Decode(item)
		if err != nil {
			return nil, fmt.Errorf("proof element %d: %w", i, err)
		}
		if len(raw) != common.HashLength {
			return nil, fmt.Errorf("proof element %d: want %d bytes, got %d", i, common.HashLength, len(raw))
		}
		out[i] = common.BytesToHash(raw)
	}
	return out, nil
}

// LoadWhitelist reads a JSON array of hex addresses.
func LoadWhitelist(r io.Reader) ([]common.Address, error) {
	var raw []string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode whitelist: %w", err)
	}

	out := make([]common.Address, 0, len(raw))
	for _, item := range raw {
		if !common.IsHexAddress(item) {
			return nil, fmt.Errorf("invalid whitelist address: %q", item)
		}
		out = append(out, common.HexToAddress(item))
	}
	return out, nil
}
