package verifier

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

// OwnerReader reads the current owner of an ERC-721 token.
type OwnerReader interface {
	OwnerOf(ctx context.Context, token common.Address, tokenID *big.Int) (common.Address, error)
}

func (v *Verifier) collectionNFT(vc *voucher.Voucher) (voucher.CollectionNFT, error) {
	if vc == nil {
		return voucher.CollectionNFT{}, voucher.Reject(voucher.ErrSchemaMismatch, "no voucher")
	}
	m, ok := vc.Message.(voucher.CollectionNFT)
	if !ok {
		return voucher.CollectionNFT{}, voucher.Reject(voucher.ErrSchemaMismatch,
			fmt.Sprintf("expected %s, got %s", voucher.CollectionNFTType, vc.PrimaryType()))
	}
	return m, nil
}

// LazyMint verifies a creator-signed voucher for minting a token that does not exist yet.
func (v *Verifier) LazyMint(ctx context.Context, vc *voucher.Voucher, tendered *big.Int) (*Acceptance, error) {
	m, err := v.collectionNFT(vc)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, Presentation{Voucher: vc, ExpectedAuthority: m.Creator, Tendered: tendered})
}

// AcceptOffer verifies a voucher signed by the approved offerer, presented by the token owner.
// The offer amount is escrowed on chain, so no value is tendered here.
func (v *Verifier) AcceptOffer(ctx context.Context, vc *voucher.Voucher, caller common.Address) (*Acceptance, error) {
	m, err := v.collectionNFT(vc)
	if err != nil {
		return nil, err
	}
	if caller != m.Owner {
		return nil, v.rejectCaller(vc, caller, m.Owner)
	}
	return v.Verify(ctx, Presentation{Voucher: vc, ExpectedAuthority: m.ApprovedOfferer, Caller: caller})
}

// BuyFromApprovedOffer verifies an owner-signed voucher that lets the approved offerer buy
// the token. The owner is read from chain when an OwnerReader is configured.
func (v *Verifier) BuyFromApprovedOffer(ctx context.Context, vc *voucher.Voucher, caller common.Address, tendered *big.Int) (*Acceptance, error) {
	m, err := v.collectionNFT(vc)
	if err != nil {
		return nil, err
	}
	if caller != m.ApprovedOfferer {
		return nil, v.rejectCaller(vc, caller, m.ApprovedOfferer)
	}
	owner := m.Owner
	if v.owners != nil {
		owner, err = v.owners.OwnerOf(ctx, m.TokenAddress, m.TokenID)
		if err != nil {
			v.log.Error("ownerOf failed",
				zap.String("token", m.TokenAddress.Hex()),
				zap.String("token_id", m.TokenID.String()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("read token owner: %w", err)
		}
	}
	return v.Verify(ctx, Presentation{Voucher: vc, ExpectedAuthority: owner, Caller: caller, Tendered: tendered})
}

// Redeem verifies a collection voucher signed by the collection's trusted issuer.
func (v *Verifier) Redeem(ctx context.Context, vc *voucher.Voucher, issuer common.Address, tendered *big.Int) (*Acceptance, error) {
	if vc == nil {
		return nil, voucher.Reject(voucher.ErrSchemaMismatch, "no voucher")
	}
	return v.Verify(ctx, Presentation{Voucher: vc, ExpectedAuthority: issuer, Tendered: tendered})
}

func (v *Verifier) rejectCaller(vc *voucher.Voucher, caller, want common.Address) error {
	err := voucher.Reject(voucher.ErrCallerNotApproved,
		fmt.Sprintf("caller %s, expected %s", caller.Hex(), want.Hex()))
	v.log.Warn("voucher rejected",
		zap.String("reason", err.Reason),
		zap.String("contract", v.domain.VerifyingContract.Hex()),
		zap.String("digest", vc.Digest.Hex()),
		zap.String("caller", caller.Hex()),
	)
	return err
}
