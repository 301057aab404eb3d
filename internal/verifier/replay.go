package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

// ReplayGuard atomically checks that a voucher has not been consumed and marks it consumed.
// Exactly one of any number of concurrent Consume calls for the same voucher succeeds.
type ReplayGuard interface {
	Consume(ctx context.Context, d voucher.Domain, vals map[string]any) error
}

// NonceGuard rejects a nonce the second time it is seen for a verifying contract.
type NonceGuard struct {
	rdb *redis.Client
}

func NewNonceGuard(rdb *redis.Client) *NonceGuard {
	return &NonceGuard{rdb: rdb}
}

func (g *NonceGuard) Consume(ctx context.Context, d voucher.Domain, vals map[string]any) error {
	nonce, ok := vals["nonce"].(*big.Int)
	if !ok || nonce == nil {
		return fmt.Errorf("%w: missing nonce", voucher.ErrSchemaMismatch)
	}
	key := fmt.Sprintf(voucher.NonceKeyFmt, d.VerifyingContract.Hex(), nonce.String())
	ok, err := g.rdb.SetNX(ctx, key, "1", 0).Result()
	if err != nil {
		return fmt.Errorf("replay store: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: nonce %s", voucher.ErrReplayedNonce, nonce)
	}
	return nil
}

// advanceGeneration accepts ARGV[1] only if it equals the current pointer (default "0") and,
// when the generation has a pinned last_token_id, ARGV[3] equals it. On success the pointer
// moves to ARGV[2] and the pin is cleared until the next generation is opened.
var advanceGeneration = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'current')
if not cur then cur = '0' end
if cur ~= ARGV[1] then
  return 0
end
local pinned = redis.call('HGET', KEYS[1], 'last_token_id')
if pinned and pinned ~= ARGV[3] then
  return -1
end
redis.call('HSET', KEYS[1], 'current', ARGV[2])
redis.call('HDEL', KEYS[1], 'last_token_id')
return 1
`)

// GenerationGuard tracks the active generation of a virtual collection. A voucher is accepted
// only for the current generation, and accepting it advances the pointer.
type GenerationGuard struct {
	rdb *redis.Client
}

func NewGenerationGuard(rdb *redis.Client) *GenerationGuard {
	return &GenerationGuard{rdb: rdb}
}

func (g *GenerationGuard) Consume(ctx context.Context, d voucher.Domain, vals map[string]any) error {
	id, ok := vals["id"].(*big.Int)
	if !ok || id == nil {
		return fmt.Errorf("%w: missing id", voucher.ErrSchemaMismatch)
	}
	last := "0"
	if n, ok := vals["lastTokenId"].(*big.Int); ok && n != nil {
		last = n.String()
	}
	next := new(big.Int).Add(id, big.NewInt(1))
	key := fmt.Sprintf(voucher.GenerationKeyFmt, d.VerifyingContract.Hex())
	won, err := advanceGeneration.Run(ctx, g.rdb, []string{key}, id.String(), next.String(), last).Int()
	if err != nil {
		return fmt.Errorf("replay store: %w", err)
	}
	switch won {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("%w: generation %s does not end at token %s", voucher.ErrStaleGeneration, id, last)
	}
	return fmt.Errorf("%w: generation %s", voucher.ErrStaleGeneration, id)
}

// Current returns the generation id the collection will accept next.
func (g *GenerationGuard) Current(ctx context.Context, contract common.Address) (*big.Int, error) {
	key := fmt.Sprintf(voucher.GenerationKeyFmt, contract.Hex())
	s, err := g.rdb.HGet(ctx, key, "current").Result()
	if errors.Is(err, redis.Nil) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt generation pointer %q", s)
	}
	return n, nil
}

// LastTokenID returns the last token id pinned for the current generation, or nil if the
// generation was opened without one.
func (g *GenerationGuard) LastTokenID(ctx context.Context, contract common.Address) (*big.Int, error) {
	key := fmt.Sprintf(voucher.GenerationKeyFmt, contract.Hex())
	s, err := g.rdb.HGet(ctx, key, "last_token_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last token id: %w", err)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt last token id %q", s)
	}
	return n, nil
}

// Reset moves the generation pointer, e.g. after the collection owner opens a new generation
// on chain. A non-nil lastTokenID pins the lastTokenId a voucher for id must carry.
func (g *GenerationGuard) Reset(ctx context.Context, contract common.Address, id, lastTokenID *big.Int) error {
	if id == nil || id.Sign() < 0 {
		return fmt.Errorf("invalid generation id %v", id)
	}
	if lastTokenID != nil && lastTokenID.Sign() < 0 {
		return fmt.Errorf("invalid last token id %v", lastTokenID)
	}
	key := fmt.Sprintf(voucher.GenerationKeyFmt, contract.Hex())
	_, err := g.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "current", id.String())
		if lastTokenID != nil {
			p.HSet(ctx, key, "last_token_id", lastTokenID.String())
		} else {
			p.HDel(ctx, key, "last_token_id")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset generation: %w", err)
	}
	return nil
}

// GuardFor picks the replay guard that matches a schema: nonce-bearing schemas use
// NonceGuard, generation-bearing ones use GenerationGuard.
func GuardFor(s *voucher.Schema, rdb *redis.Client) (ReplayGuard, error) {
	switch {
	case s.Has("nonce"):
		return NewNonceGuard(rdb), nil
	case s.Has("id"):
		return NewGenerationGuard(rdb), nil
	}
	return nil, fmt.Errorf("schema %s has neither a nonce nor a generation id", s.PrimaryType)
}
