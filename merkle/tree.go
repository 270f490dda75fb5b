// Package merkle builds the whitelist Merkle tree used by the airdrop market
// and produces inclusion proofs that the marketplace contract verifies with
// sorted-pair hashing.
package merkle

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNotInWhitelist is returned when a proof is requested for an address
	// whose leaf is not part of the tree.
	ErrNotInWhitelist = errors.New("address not in whitelist")

	// ErrEmptyWhitelist is returned when building a tree from no entries.
	ErrEmptyWhitelist = errors.New("whitelist is empty")
)

// Tree is an immutable whitelist snapshot. Leaves are keccak256 of the raw
// 20 address bytes, the same value Solidity computes with
// keccak256(abi.encodePacked(account)).
type Tree struct {
	entries []common.Address
	layers  [][]common.Hash
	index   map[common.Hash]int
}

// LeafHash returns the leaf value for an address.
func LeafHash(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(addr.Bytes())
}

// NewTree builds a tree from the whitelist. The input is treated as a set:
// duplicates collapse and insertion order has no effect on the root.
func NewTree(entries []common.Address) (*Tree, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyWhitelist
	}

	seen := make(map[common.Address]struct{}, len(entries))
	unique := make([]common.Address, 0, len(entries))
	for _, addr := range entries {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		unique = append(unique, addr)
	}

	leaves := make([]common.Hash, len(unique))
	for i, addr := range unique {
		leaves[i] = LeafHash(addr)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})

	index := make(map[common.Hash]int, len(leaves))
	for i, leaf := range leaves {
		index[leaf] = i
	}

	layers := [][]common.Hash{leaves}
	for level := leaves; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// odd node is promoted as-is
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		layers = append(layers, next)
		level = next
	}

	sort.Slice(unique, func(i, j int) bool {
		return bytes.Compare(unique[i][:], unique[j][:]) < 0
	})

	return &Tree{
		entries: unique,
		layers:  layers,
		index:   index,
	}, nil
}

// Root returns the tree root published to the marketplace contract.
func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Len returns the number of distinct whitelist entries.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Entries returns the whitelist sorted by address.
func (t *Tree) Entries() []common.Address {
	out := make([]common.Address, len(t.entries))
	copy(out, t.entries)
	return out
}

// Contains reports whether addr is a whitelist member.
func (t *Tree) Contains(addr common.Address) bool {
	_, ok := t.index[LeafHash(addr)]
	return ok
}

// Proof returns the sibling hashes from the leaf of addr up to the root.
func (t *Tree) Proof(addr common.Address) (Proof, error) {
	pos, ok := t.index[LeafHash(addr)]
	if !ok {
		return nil, ErrNotInWhitelist
	}

	proof := make(Proof, 0, len(t.layers)-1)
	for _, level := range t.layers[:len(t.layers)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}

// Verify reports whether proof links addr to root.
func Verify(root common.Hash, addr common.Address, proof Proof) bool {
	return VerifyLeaf(root, LeafHash(addr), proof)
}

// VerifyLeaf is Verify for a precomputed leaf.
func VerifyLeaf(root, leaf common.Hash, proof Proof) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}
