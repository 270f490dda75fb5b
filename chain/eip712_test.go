package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePermit() (*EIP712Domain, *PermitTypedData) {
	domain := NewEIP712Domain("Wrapped Ether", big.NewInt(11155111), common.HexToAddress("0x7b79995e5f793A07Bc00c21412e50Ecae098E7f9"))
	permit := &PermitTypedData{
		Owner:    common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Spender:  common.HexToAddress("0xCA50BAf6EAce43891d52124cC1c49E72b9b91991"),
		Value:    big.NewInt(500000000000000000),
		Nonce:    big.NewInt(3),
		Deadline: big.NewInt(1767225600),
	}
	return domain, permit
}

func TestPermitHashMatchesTypedDataEncoder(t *testing.T) {
	domain, permit := samplePermit()

	want, _, err := apitypes.TypedDataAndHash(permit.ToTypedData(domain))
	require.NoError(t, err)

	assert.Equal(t, common.BytesToHash(want), CreatePermitSignHash(domain, permit))
}

func TestPermitHashChangesWithEveryField(t *testing.T) {
	domain, permit := samplePermit()
	base := CreatePermitSignHash(domain, permit)

	mutations := map[string]func(d *EIP712Domain, p *PermitTypedData){
		"owner":    func(_ *EIP712Domain, p *PermitTypedData) { p.Owner = common.HexToAddress("0x01") },
		"spender":  func(_ *EIP712Domain, p *PermitTypedData) { p.Spender = common.HexToAddress("0x02") },
		"value":    func(_ *EIP712Domain, p *PermitTypedData) { p.Value = big.NewInt(1) },
		"nonce":    func(_ *EIP712Domain, p *PermitTypedData) { p.Nonce = big.NewInt(4) },
		"deadline": func(_ *EIP712Domain, p *PermitTypedData) { p.Deadline = big.NewInt(1) },
		"name":     func(d *EIP712Domain, _ *PermitTypedData) { d.Name = "Other" },
		"chainId":  func(d *EIP712Domain, _ *PermitTypedData) { d.ChainID = big.NewInt(1) },
		"contract": func(d *EIP712Domain, _ *PermitTypedData) { d.VerifyingContract = common.HexToAddress("0x03") },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			d, p := samplePermit()
			mutate(d, p)
			assert.NotEqual(t, base, CreatePermitSignHash(d, p))
		})
	}
}

func TestPrivateKeySignerRecovers(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewPrivateKeySignerFromKey(key)

	domain, permit := samplePermit()
	permit.Owner = signer.Address()

	sig, err := signer.SignTypedData(context.Background(), permit.ToTypedData(domain))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := RecoverSigner(CreatePermitSignHash(domain, permit), sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestSplitSignature(t *testing.T) {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = byte(i)
	}
	sig[64] = 1

	v, r, s, err := SplitSignature(sig)
	require.NoError(t, err)
	assert.Equal(t, uint8(28), v)
	assert.Equal(t, byte(0), r[0])
	assert.Equal(t, byte(32), s[0])

	joined := JoinSignature(v, r, s)
	assert.Equal(t, sig[:64], joined[:64])
	assert.Equal(t, uint8(28), joined[64])

	_, _, _, err = SplitSignature(sig[:64])
	assert.ErrorIs(t, err, ErrInvalidSignatureLength)
}

func TestNewPrivateKeySignerAcceptsPrefix(t *testing.T) {
	const hexKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	plain, err := NewPrivateKeySigner(hexKey)
	require.NoError(t, err)
	prefixed, err := NewPrivateKeySigner("0x" + hexKey)
	require.NoError(t, err)
	assert.Equal(t, plain.Address(), prefixed.Address())
	assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), plain.Address())

	_, err = NewPrivateKeySigner("zz")
	assert.Error(t, err)
}
