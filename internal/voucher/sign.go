package voucher

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Authority produces signatures over 32-byte hashes. Implementations may call out to a
// remote key holder and must honour ctx cancellation.
type Authority interface {
	Address() common.Address
	// SignHash returns a 65-byte [R || S || V] signature over hash.
	SignHash(ctx context.Context, hash []byte) ([]byte, error)
}

// Scheme turns a voucher digest into the hash that is actually signed.
type Scheme interface {
	Name() string
	SigningHash(digest common.Hash) []byte
}

type prefixedDigest struct{}

func (prefixedDigest) Name() string { return "eip191-digest" }

// SigningHash is keccak256("\x19Ethereum Signed Message:\n32" || digest).
func (prefixedDigest) SigningHash(digest common.Hash) []byte {
	return accounts.TextHash(digest[:])
}

type typedData struct{}

func (typedData) Name() string { return "eip712" }

func (typedData) SigningHash(digest common.Hash) []byte {
	return common.CopyBytes(digest[:])
}

var (
	// PrefixedDigest signs the 32-byte digest as a personal message, the way ethers'
	// signMessage(digestBytes) does. Deployed verifiers expect this.
	PrefixedDigest Scheme = prefixedDigest{}
	// TypedData signs the digest directly, as eth_signTypedData_v4 would.
	TypedData Scheme = typedData{}
)

// SchemeByName resolves "eip191-digest" or "eip712". An empty name selects PrefixedDigest.
func SchemeByName(name string) (Scheme, error) {
	switch name {
	case "", PrefixedDigest.Name():
		return PrefixedDigest, nil
	case TypedData.Name():
		return TypedData, nil
	}
	return nil, fmt.Errorf("unknown signing scheme %q", name)
}

// CreateVoucher validates msg against its registered schema, builds the domain from params,
// computes the digest and asks authority to sign it under scheme.
func CreateVoucher(ctx context.Context, reg *Registry, msg Message, params DomainParams, authority Authority, scheme Scheme) (*Voucher, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrSchemaMismatch)
	}
	schema, err := reg.Lookup(msg.PrimaryType())
	if err != nil {
		return nil, err
	}
	vals, err := Validate(schema, msg)
	if err != nil {
		return nil, err
	}
	// Freeze the message so later changes to the caller's big.Ints cannot diverge from the digest.
	frozen, err := FromValues(schema, vals)
	if err != nil {
		return nil, err
	}

	domain := params.Domain()
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	digest := digestOf(domain.Separator(), hashValues(schema, vals))

	sig, err := authority.SignHash(ctx, scheme.SigningHash(digest))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrSigningFailed, len(sig))
	}
	sig = common.CopyBytes(sig)
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	if sig[64] < 27 {
		sig[64] += 27
	}

	return &Voucher{
		ID:        uuid.NewString(),
		Domain:    domain,
		Digest:    digest,
		Message:   frozen,
		Signature: sig,
		Scheme:    scheme.Name(),
	}, nil
}

// RecoverSigner recovers the address that signed digest under scheme.
func RecoverSigner(scheme Scheme, digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature is %d bytes", ErrInvalidSignature, len(sig))
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(scheme.SigningHash(digest), sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: ecrecover: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
