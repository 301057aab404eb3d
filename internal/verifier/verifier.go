// Package verifier checks presented vouchers and consumes each accepted one exactly once.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

// Presentation is one attempt to redeem a voucher.
type Presentation struct {
	Voucher *voucher.Voucher
	// ExpectedAuthority is the address whose signature the action requires.
	ExpectedAuthority common.Address
	Caller            common.Address
	// Tendered is the value sent with the action. Nil means payment is settled elsewhere.
	Tendered *big.Int
}

// Acceptance is returned for a voucher that passed every check and has been consumed.
type Acceptance struct {
	VoucherID string
	Signer    common.Address
	Digest    common.Hash
	Message   voucher.Message
}

// Verifier is bound to one verifying contract, one schema and one network.
type Verifier struct {
	domain  voucher.Domain
	network *big.Int
	schema  *voucher.Schema
	scheme  voucher.Scheme
	guard   ReplayGuard
	owners  OwnerReader
	log     *zap.Logger
}

func New(
	domain voucher.Domain,
	network *big.Int,
	schema *voucher.Schema,
	scheme voucher.Scheme,
	guard ReplayGuard,
	log *zap.Logger,
) *Verifier {
	return &Verifier{
		domain:  domain,
		network: new(big.Int).Set(network),
		schema:  schema,
		scheme:  scheme,
		guard:   guard,
		log:     log,
	}
}

// WithOwnerReader sets the on-chain ownership source used by BuyFromApprovedOffer.
func (v *Verifier) WithOwnerReader(r OwnerReader) *Verifier {
	v.owners = r
	return v
}

func (v *Verifier) Domain() voucher.Domain { return v.domain }

func (v *Verifier) Schema() *voucher.Schema { return v.schema }

// Verify runs the checks in order: schema, domain, digest, signer, value, replay.
// Nothing is consumed unless every earlier check passes.
func (v *Verifier) Verify(ctx context.Context, p Presentation) (*Acceptance, error) {
	acc, err := v.verify(ctx, p)
	if err != nil {
		var rej *voucher.RejectError
		if errors.As(err, &rej) {
			v.log.Warn("voucher rejected",
				zap.String("reason", rej.Reason),
				zap.String("contract", v.domain.VerifyingContract.Hex()),
				zap.String("digest", digestOf(p).Hex()),
				zap.Error(rej.Err),
			)
		} else {
			v.log.Error("voucher verification failed",
				zap.String("contract", v.domain.VerifyingContract.Hex()),
				zap.Error(err),
			)
		}
		return nil, err
	}
	v.log.Info("voucher accepted",
		zap.String("id", acc.VoucherID),
		zap.String("type", v.schema.PrimaryType),
		zap.String("contract", v.domain.VerifyingContract.Hex()),
		zap.String("signer", acc.Signer.Hex()),
		zap.String("digest", acc.Digest.Hex()),
	)
	return acc, nil
}

func (v *Verifier) verify(ctx context.Context, p Presentation) (*Acceptance, error) {
	vc := p.Voucher
	if vc == nil || vc.Message == nil {
		return nil, voucher.Reject(voucher.ErrSchemaMismatch, "no message")
	}
	if vc.Message.PrimaryType() != v.schema.PrimaryType {
		return nil, voucher.Reject(voucher.ErrSchemaMismatch,
			fmt.Sprintf("got %s, contract accepts %s", vc.Message.PrimaryType(), v.schema.PrimaryType))
	}
	vals, err := voucher.Validate(v.schema, vc.Message)
	if err != nil {
		return nil, voucher.Reject(err, "")
	}

	if v.domain.ChainID == nil || v.domain.ChainID.Cmp(v.network) != 0 {
		return nil, voucher.Reject(voucher.ErrDomainMismatch,
			fmt.Sprintf("contract domain is for chain %v, running on %s", v.domain.ChainID, v.network))
	}
	// A voucher may travel as the bare triple; its domain is then the verifier's own.
	if !vc.Domain.IsZero() && !vc.Domain.Equal(v.domain) {
		return nil, voucher.Reject(voucher.ErrDomainMismatch,
			fmt.Sprintf("voucher bound to %s/%s chain %v contract %s",
				vc.Domain.Name, vc.Domain.Version, vc.Domain.ChainID, vc.Domain.VerifyingContract.Hex()))
	}

	digest, err := voucher.Digest(v.domain, v.schema, vc.Message)
	if err != nil {
		return nil, voucher.Reject(err, "")
	}
	if vc.Digest != (common.Hash{}) && vc.Digest != digest {
		return nil, voucher.Reject(voucher.ErrDigestMismatch, "presented digest does not match message")
	}

	if vc.Scheme != "" && vc.Scheme != v.scheme.Name() {
		return nil, voucher.Reject(voucher.ErrInvalidSignature,
			fmt.Sprintf("scheme %s not accepted, want %s", vc.Scheme, v.scheme.Name()))
	}
	signer, err := voucher.RecoverSigner(v.scheme, digest, vc.Signature)
	if err != nil {
		return nil, voucher.Reject(err, "")
	}
	if signer != p.ExpectedAuthority {
		return nil, voucher.Reject(voucher.ErrInvalidSignature,
			fmt.Sprintf("signed by %s, expected %s", signer.Hex(), p.ExpectedAuthority.Hex()))
	}

	if price, ok := vals["price"].(*big.Int); ok && p.Tendered != nil && p.Tendered.Cmp(price) < 0 {
		return nil, voucher.Reject(voucher.ErrInsufficientValue,
			fmt.Sprintf("tendered %s, price %s", p.Tendered, price))
	}

	if err := v.guard.Consume(ctx, v.domain, vals); err != nil {
		if voucher.Reason(err) == "internal" {
			return nil, err
		}
		return nil, voucher.Reject(err, "")
	}

	return &Acceptance{
		VoucherID: vc.ID,
		Signer:    signer,
		Digest:    digest,
		Message:   vc.Message,
	}, nil
}

func digestOf(p Presentation) common.Hash {
	if p.Voucher == nil {
		return common.Hash{}
	}
	return p.Voucher.Digest
}
