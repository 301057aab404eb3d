// Package issuer signs vouchers for configured contracts and publishes them to a per-contract
// outbox in Redis.
package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

// Profile is the domain name and version a schema is signed under.
type Profile struct {
	Name    string
	Version string
}

// DefaultProfiles binds the built-in schemas to the domains their contracts were deployed with.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		voucher.CollectionNFTType:     {Name: "LEXITNFT", Version: "1"},
		voucher.VirtualCollectionType: {Name: "Transformers", Version: "1"},
	}
}

// Issuer signs vouchers with one authority on one network.
type Issuer struct {
	reg       *voucher.Registry
	authority voucher.Authority
	scheme    voucher.Scheme
	chainID   *big.Int
	profiles  map[string]Profile
	rdb       *redis.Client
	log       *zap.Logger
}

func New(
	reg *voucher.Registry,
	authority voucher.Authority,
	scheme voucher.Scheme,
	chainID *big.Int,
	profiles map[string]Profile,
	rdb *redis.Client,
	log *zap.Logger,
) *Issuer {
	return &Issuer{
		reg:       reg,
		authority: authority,
		scheme:    scheme,
		chainID:   new(big.Int).Set(chainID),
		profiles:  profiles,
		rdb:       rdb,
		log:       log,
	}
}

func (i *Issuer) Signer() common.Address { return i.authority.Address() }

func (i *Issuer) Scheme() voucher.Scheme { return i.scheme }

func (i *Issuer) Registry() *voucher.Registry { return i.reg }

func (i *Issuer) ChainID() *big.Int { return new(big.Int).Set(i.chainID) }

// Params returns the domain inputs for primaryType vouchers verified by contract.
func (i *Issuer) Params(primaryType string, contract common.Address) (voucher.DomainParams, error) {
	if _, err := i.reg.Lookup(primaryType); err != nil {
		return voucher.DomainParams{}, err
	}
	p, ok := i.profiles[primaryType]
	if !ok {
		return voucher.DomainParams{}, fmt.Errorf("%w: no domain profile for %s", voucher.ErrUnknownSchema, primaryType)
	}
	return voucher.DomainParams{
		Name:              p.Name,
		Version:           p.Version,
		ChainID:           i.chainID,
		VerifyingContract: contract,
	}, nil
}

// Decode parses a JSON message of primaryType. When allocate is set and the schema carries a
// nonce, the nonce is allocated for contract and a caller-supplied one is rejected, so issued
// nonces never collide with the allocation counter.
func (i *Issuer) Decode(ctx context.Context, primaryType string, contract common.Address, raw []byte, allocate bool) (voucher.Message, error) {
	schema, err := i.reg.Lookup(primaryType)
	if err != nil {
		return nil, err
	}
	if allocate && schema.Has("nonce") {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: message: %v", voucher.ErrSchemaMismatch, err)
		}
		if _, ok := fields["nonce"]; ok {
			return nil, fmt.Errorf("%w: nonce is allocated by the issuer", voucher.ErrSchemaMismatch)
		}
		n, err := i.AllocateNonce(ctx, contract)
		if err != nil {
			return nil, err
		}
		fields["nonce"] = json.RawMessage(`"` + n.String() + `"`)
		if raw, err = json.Marshal(fields); err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
	}
	return voucher.DecodeMessage(schema, raw)
}

// Digest computes the digest msg would be signed over, without signing.
func (i *Issuer) Digest(contract common.Address, msg voucher.Message) (common.Hash, voucher.Domain, error) {
	params, err := i.Params(msg.PrimaryType(), contract)
	if err != nil {
		return common.Hash{}, voucher.Domain{}, err
	}
	schema, err := i.reg.Lookup(msg.PrimaryType())
	if err != nil {
		return common.Hash{}, voucher.Domain{}, err
	}
	d := params.Domain()
	digest, err := voucher.Digest(d, schema, msg)
	if err != nil {
		return common.Hash{}, voucher.Domain{}, err
	}
	return digest, d, nil
}

// Issue signs msg for contract and pushes the voucher onto the contract's outbox.
func (i *Issuer) Issue(ctx context.Context, contract common.Address, msg voucher.Message) (*voucher.Voucher, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", voucher.ErrSchemaMismatch)
	}
	params, err := i.Params(msg.PrimaryType(), contract)
	if err != nil {
		return nil, err
	}
	v, err := voucher.CreateVoucher(ctx, i.reg, msg, params, i.authority, i.scheme)
	if err != nil {
		i.log.Warn("issue voucher failed",
			zap.String("type", msg.PrimaryType()),
			zap.String("contract", contract.Hex()),
			zap.Error(err),
		)
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal voucher: %w", err)
	}
	key := fmt.Sprintf(voucher.OutboxKeyFmt, contract.Hex())
	if err := i.rdb.RPush(ctx, key, string(raw)).Err(); err != nil {
		return nil, fmt.Errorf("publish voucher: %w", err)
	}
	i.log.Info("voucher issued",
		zap.String("id", v.ID),
		zap.String("type", msg.PrimaryType()),
		zap.String("contract", contract.Hex()),
		zap.String("digest", v.Digest.Hex()),
	)
	return v, nil
}

// AllocateNonce atomically increments and returns the next nonce for contract.
func (i *Issuer) AllocateNonce(ctx context.Context, contract common.Address) (*big.Int, error) {
	key := fmt.Sprintf(voucher.IssuerNonceKeyFmt, contract.Hex())
	n, err := i.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("incr nonce: %w", err)
	}
	return big.NewInt(n), nil
}

// Issued returns up to limit of the most recently issued vouchers for contract, oldest first.
// Entries that no longer parse are skipped and logged.
func (i *Issuer) Issued(ctx context.Context, contract common.Address, limit int64) ([]*voucher.Voucher, error) {
	if limit <= 0 {
		limit = 100
	}
	key := fmt.Sprintf(voucher.OutboxKeyFmt, contract.Hex())
	items, err := i.rdb.LRange(ctx, key, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	out := make([]*voucher.Voucher, 0, len(items))
	for _, item := range items {
		v, err := i.reg.ParseVoucher([]byte(item))
		if err != nil {
			i.log.Error("outbox: unparseable voucher", zap.String("contract", contract.Hex()), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
