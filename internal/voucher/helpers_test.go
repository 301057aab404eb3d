package voucher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hardhat's well-known development accounts.
const (
	deployerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	addr1KeyHex    = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	testChainID    = big.NewInt(31337)
	testMarket     = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testCollection = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	deployerAddr   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	addr1Addr      = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	oneEther       = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// keyAuthority signs with an in-memory key.
type keyAuthority struct {
	key *ecdsa.PrivateKey
}

func newKeyAuthority(t *testing.T, hexKey string) *keyAuthority {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatal(err)
	}
	return &keyAuthority{key: key}
}

func (a *keyAuthority) Address() common.Address { return crypto.PubkeyToAddress(a.key.PublicKey) }

func (a *keyAuthority) SignHash(_ context.Context, hash []byte) ([]byte, error) {
	return crypto.Sign(hash, a.key)
}

// failingAuthority is a key holder that is unreachable.
type failingAuthority struct{}

func (failingAuthority) Address() common.Address { return common.Address{} }

func (failingAuthority) SignHash(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("key holder unavailable")
}

func marketParams() DomainParams {
	return DomainParams{Name: "LEXITNFT", Version: "1", ChainID: testChainID, VerifyingContract: testMarket}
}

func collectionParams() DomainParams {
	return DomainParams{Name: "Transformers", Version: "1", ChainID: testChainID, VerifyingContract: testCollection}
}

func sampleCollectionNFT() CollectionNFT {
	return CollectionNFT{
		Creator:         addr1Addr,
		Owner:           addr1Addr,
		Price:           new(big.Int).Set(oneEther),
		TokenID:         big.NewInt(1),
		TokenAddress:    testCollection,
		TokenURI:        "ipfs://bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		CreatorLoyalty:  10,
		ApprovedOfferer: deployerAddr,
		Nonce:           big.NewInt(123),
	}
}

func sampleVirtualCollection() VirtualCollection {
	return VirtualCollection{
		ID:          big.NewInt(0),
		Name:        "Transformers",
		LastTokenID: big.NewInt(10000),
		Price:       new(big.Int).Set(oneEther),
		CreatorFee:  5,
	}
}

func mustLookup(t *testing.T, name string) *Schema {
	t.Helper()
	s, err := DefaultRegistry().Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
