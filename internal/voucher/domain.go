package voucher

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var domainTypeHash = crypto.Keccak256Hash([]byte(
	"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
))

// Domain is the EIP-712 domain a voucher is bound to.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// DomainParams names the inputs of BuildDomain for callers that carry them around together.
type DomainParams struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Domain builds the domain described by p.
func (p DomainParams) Domain() Domain {
	return BuildDomain(p.Name, p.Version, p.ChainID, p.VerifyingContract)
}

// BuildDomain returns a fresh domain record. chainID is copied so later mutation of the
// caller's value cannot change an issued domain. The result is not range-checked; Digest and
// CreateVoucher reject domains that fail Validate.
func BuildDomain(name, version string, chainID *big.Int, verifyingContract common.Address) Domain {
	id := new(big.Int)
	if chainID != nil {
		id.Set(chainID)
	}
	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           id,
		VerifyingContract: verifyingContract,
	}
}

// Equal reports whether both domains carry identical name, version, chain and contract.
func (d Domain) Equal(o Domain) bool {
	if d.Name != o.Name || d.Version != o.Version || d.VerifyingContract != o.VerifyingContract {
		return false
	}
	if d.ChainID == nil || o.ChainID == nil {
		return d.ChainID == nil && o.ChainID == nil
	}
	return d.ChainID.Cmp(o.ChainID) == 0
}

// IsZero reports whether d was never set (used for vouchers that travel without a domain).
func (d Domain) IsZero() bool {
	return d.Name == "" && d.Version == "" && d.ChainID == nil && d.VerifyingContract == (common.Address{})
}

// Validate checks that the chain id fits the uint256 slot it is encoded into.
func (d Domain) Validate() error {
	if d.ChainID == nil {
		return fmt.Errorf("%w: domain has no chain id", ErrSchemaMismatch)
	}
	if d.ChainID.Sign() < 0 || d.ChainID.BitLen() > 256 {
		return fmt.Errorf("%w: chain id %s out of uint256 range", ErrSchemaMismatch, d.ChainID)
	}
	return nil
}

// Separator computes the EIP-712 domain separator. d must pass Validate.
func (d Domain) Separator() common.Hash {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	// abi.encode(bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	if d.ChainID != nil {
		d.ChainID.FillBytes(encoded[96:128])
	}
	copy(encoded[140:160], d.VerifyingContract.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}
