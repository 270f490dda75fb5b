package merkle

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomAddresses(t *testing.T, n int) []common.Address {
	t.Helper()
	out := make([]common.Address, n)
	for i := range out {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		out[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	return out
}

func TestTreeProofsVerify(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 5, 7, 8, 13, 32} {
		whitelist := randomAddresses(t, size)
		tree, err := NewTree(whitelist)
		require.NoError(t, err)
		assert.Equal(t, size, tree.Len())

		for _, addr := range whitelist {
			proof, err := tree.Proof(addr)
			require.NoError(t, err)
			assert.True(t, Verify(tree.Root(), addr, proof), "size %d addr %s", size, addr.Hex())
		}
	}
}

func TestSingleEntryRootIsLeaf(t *testing.T) {
	addr := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tree, err := NewTree([]common.Address{addr})
	require.NoError(t, err)

	assert.Equal(t, LeafHash(addr), tree.Root())
	proof, err := tree.Proof(addr)
	require.NoError(t, err)
	assert.Empty(t, proof)
}

func TestTwoEntryRootMatchesSortedPairHash(t *testing.T) {
	a := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	b := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	tree, err := NewTree([]common.Address{a, b})
	require.NoError(t, err)

	la, lb := LeafHash(a), LeafHash(b)
	var want common.Hash
	if strings.Compare(la.Hex(), lb.Hex()) < 0 {
		want = crypto.Keccak256Hash(la[:], lb[:])
	} else {
		want = crypto.Keccak256Hash(lb[:], la[:])
	}
	assert.Equal(t, want, tree.Root())
}

func TestRootIndependentOfInsertionOrder(t *testing.T) {
	whitelist := randomAddresses(t, 11)
	first, err := NewTree(whitelist)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]common.Address(nil), whitelist...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		again, err := NewTree(shuffled)
		require.NoError(t, err)
		assert.Equal(t, first.Root(), again.Root())
	}
}

func TestDuplicatesCollapse(t *testing.T) {
	whitelist := randomAddresses(t, 4)
	tree, err := NewTree(whitelist)
	require.NoError(t, err)

	withDupes, err := NewTree(append(whitelist, whitelist[0], whitelist[2]))
	require.NoError(t, err)

	assert.Equal(t, tree.Root(), withDupes.Root())
	assert.Equal(t, 4, withDupes.Len())
}

func TestNonMemberRejected(t *testing.T) {
	whitelist := randomAddresses(t, 6)
	tree, err := NewTree(whitelist)
	require.NoError(t, err)

	outsider := randomAddresses(t, 1)[0]
	assert.False(t, tree.Contains(outsider))

	_, err = tree.Proof(outsider)
	assert.ErrorIs(t, err, ErrNotInWhitelist)

	// a member's proof does not transfer to another address
	memberProof, err := tree.Proof(whitelist[0])
	require.NoError(t, err)
	assert.False(t, Verify(tree.Root(), outsider, memberProof))

	fabricated := Proof{crypto.Keccak256Hash([]byte("a")), crypto.Keccak256Hash([]byte("b")), crypto.Keccak256Hash([]byte("c"))}
	assert.False(t, Verify(tree.Root(), outsider, fabricated))
}

func TestProofRejectedAgainstOtherRoot(t *testing.T) {
	whitelist := randomAddresses(t, 5)
	tree, err := NewTree(whitelist)
	require.NoError(t, err)
	other, err := NewTree(whitelist[:4])
	require.NoError(t, err)

	proof, err := tree.Proof(whitelist[4])
	require.NoError(t, err)
	assert.False(t, Verify(other.Root(), whitelist[4], proof))
}

func TestEmptyWhitelist(t *testing.T) {
	_, err := NewTree(nil)
	assert.ErrorIs(t, err, ErrEmptyWhitelist)
}

func TestProofHexRoundTrip(t *testing.T) {
	whitelist := randomAddresses(t, 9)
	tree, err := NewTree(whitelist)
	require.NoError(t, err)

	proof, err := tree.Proof(whitelist[3])
	require.NoError(t, err)

	parsed, err := ParseHexProof(proof.Hex())
	require.NoError(t, err)
	assert.Equal(t, proof, parsed)
	assert.Equal(t, proof, ProofFromBytes32(proof.Bytes32()))

	_, err = ParseHexProof([]string{"0x1234"})
	assert.Error(t, err)
}

func TestLoadWhitelist(t *testing.T) {
	input := `["0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"]`
	list, err := LoadWhitelist(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"), list[1])

	_, err = LoadWhitelist(strings.NewReader(`["not-an-address"]`))
	assert.Error(t, err)
}
