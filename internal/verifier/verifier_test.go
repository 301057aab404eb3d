package verifier

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

// ── helpers ───────────────────────────────────────────────────────────────────

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

type staticOwner struct {
	owner common.Address
	err   error
}

func (s staticOwner) OwnerOf(context.Context, common.Address, *big.Int) (common.Address, error) {
	return s.owner, s.err
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func marketParams() voucher.DomainParams {
	return voucher.DomainParams{Name: "LEXITNFT", Version: "1", ChainID: testChainID, VerifyingContract: testMarket}
}

func collectionParams() voucher.DomainParams {
	return voucher.DomainParams{Name: "Transformers", Version: "1", ChainID: testChainID, VerifyingContract: testCollection}
}

func lookup(t *testing.T, name string) *voucher.Schema {
	t.Helper()
	s, err := voucher.DefaultRegistry().Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newMarketVerifier(t *testing.T, rdb *redis.Client) *Verifier {
	t.Helper()
	return New(marketParams().Domain(), testChainID, lookup(t, voucher.CollectionNFTType),
		voucher.PrefixedDigest, NewNonceGuard(rdb), zap.NewNop())
}

func newCollectionVerifier(t *testing.T, rdb *redis.Client) (*Verifier, *GenerationGuard) {
	t.Helper()
	g := NewGenerationGuard(rdb)
	return New(collectionParams().Domain(), testChainID, lookup(t, voucher.VirtualCollectionType),
		voucher.PrefixedDigest, g, zap.NewNop()), g
}

func sampleNFT() voucher.CollectionNFT {
	return voucher.CollectionNFT{
		Creator:         addr1Addr,
		Owner:           addr1Addr,
		Price:           new(big.Int).Set(oneEther),
		TokenID:         big.NewInt(1),
		TokenAddress:    testCollection,
		TokenURI:        "ipfs://token/1",
		CreatorLoyalty:  10,
		ApprovedOfferer: deployerAddr,
		Nonce:           big.NewInt(123),
	}
}

func sampleGeneration(id int64) voucher.VirtualCollection {
	return voucher.VirtualCollection{
		ID:          big.NewInt(id),
		Name:        "Transformers",
		LastTokenID: big.NewInt(10000),
		Price:       new(big.Int).Set(oneEther),
		CreatorFee:  5,
	}
}

func sign(t *testing.T, keyHex string, m voucher.Message, params voucher.DomainParams) *voucher.Voucher {
	t.Helper()
	v, err := voucher.CreateVoucher(context.Background(), voucher.DefaultRegistry(), m, params,
		newKeyAuthority(t, keyHex), voucher.PrefixedDigest)
	if err != nil {
		t.Fatalf("CreateVoucher: %v", err)
	}
	return v
}

func expectReason(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	var rej *voucher.RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *voucher.RejectError, got %T", err)
	}
}

// ── LazyMint ──────────────────────────────────────────────────────────────────

func TestLazyMint_AcceptOnceThenReplay(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())

	acc, err := ver.LazyMint(context.Background(), v, oneEther)
	if err != nil {
		t.Fatalf("first presentation: %v", err)
	}
	if acc.Signer != addr1Addr || acc.Digest != v.Digest {
		t.Fatalf("unexpected acceptance %+v", acc)
	}

	_, err = ver.LazyMint(context.Background(), v, oneEther)
	expectReason(t, err, voucher.ErrReplayedNonce)
}

func TestLazyMint_DifferentNoncesIndependent(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	m := sampleNFT()
	if _, err := ver.LazyMint(context.Background(), sign(t, addr1KeyHex, m, marketParams()), nil); err != nil {
		t.Fatal(err)
	}
	m.Nonce = big.NewInt(124)
	if _, err := ver.LazyMint(context.Background(), sign(t, addr1KeyHex, m, marketParams()), nil); err != nil {
		t.Fatalf("a fresh nonce should be accepted: %v", err)
	}
}

func TestLazyMint_WrongSigner(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	// creator is addr1 but the deployer signed
	v := sign(t, deployerKeyHex, sampleNFT(), marketParams())
	_, err := ver.LazyMint(context.Background(), v, oneEther)
	expectReason(t, err, voucher.ErrInvalidSignature)
}

func TestLazyMint_InsufficientValueDoesNotConsume(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())

	short := new(big.Int).Sub(oneEther, big.NewInt(1))
	_, err := ver.LazyMint(context.Background(), v, short)
	expectReason(t, err, voucher.ErrInsufficientValue)
	if !voucher.Recoverable(err) {
		t.Fatal("insufficient value should be recoverable")
	}

	if _, err := ver.LazyMint(context.Background(), v, oneEther); err != nil {
		t.Fatalf("retry with full price: %v", err)
	}
}

func TestLazyMint_OverpaymentAccepted(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())
	more := new(big.Int).Mul(oneEther, big.NewInt(2))
	if _, err := ver.LazyMint(context.Background(), v, more); err != nil {
		t.Fatal(err)
	}
}

// ── Domain binding ────────────────────────────────────────────────────────────

func TestVerify_CrossContract(t *testing.T) {
	rdb := newTestRedis(t)
	other := marketParams()
	other.VerifyingContract = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	ver := New(other.Domain(), testChainID, lookup(t, voucher.CollectionNFTType),
		voucher.PrefixedDigest, NewNonceGuard(rdb), zap.NewNop())

	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())
	_, err := ver.LazyMint(context.Background(), v, oneEther)
	expectReason(t, err, voucher.ErrDomainMismatch)
}

func TestVerify_CrossContractBareTriple(t *testing.T) {
	rdb := newTestRedis(t)
	other := marketParams()
	other.VerifyingContract = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	ver := New(other.Domain(), testChainID, lookup(t, voucher.CollectionNFTType),
		voucher.PrefixedDigest, NewNonceGuard(rdb), zap.NewNop())

	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())
	v.Domain = voucher.Domain{}
	_, err := ver.LazyMint(context.Background(), v, oneEther)
	expectReason(t, err, voucher.ErrDigestMismatch)

	v.Digest = common.Hash{}
	_, err = ver.LazyMint(context.Background(), v, oneEther)
	expectReason(t, err, voucher.ErrInvalidSignature)
}

func TestVerify_CrossNetwork(t *testing.T) {
	rdb := newTestRedis(t)
	ver := New(marketParams().Domain(), big.NewInt(1), lookup(t, voucher.CollectionNFTType),
		voucher.PrefixedDigest, NewNonceGuard(rdb), zap.NewNop())
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())
	_, err := ver.LazyMint(context.Background(), v, oneEther)
	expectReason(t, err, voucher.ErrDomainMismatch)
}

func TestVerify_BareTripleAccepted(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())
	v.Domain = voucher.Domain{}
	if _, err := ver.LazyMint(context.Background(), v, oneEther); err != nil {
		t.Fatalf("voucher without a domain should verify against the contract's own: %v", err)
	}
}

// ── Digest and schema ─────────────────────────────────────────────────────────

func TestVerify_DigestMismatch(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())
	v.Digest[31] ^= 0x01
	_, err := ver.LazyMint(context.Background(), v, oneEther)
	expectReason(t, err, voucher.ErrDigestMismatch)
}

func TestVerify_TamperedMessage(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())
	m := v.Message.(voucher.CollectionNFT)
	m.Price = big.NewInt(1)
	v.Message = m
	v.Digest = common.Hash{}
	_, err := ver.LazyMint(context.Background(), v, big.NewInt(1))
	expectReason(t, err, voucher.ErrInvalidSignature)
}

func TestVerify_WrongSchemaKind(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	v := sign(t, deployerKeyHex, sampleGeneration(0), marketParams())
	_, err := ver.Verify(context.Background(), Presentation{Voucher: v, ExpectedAuthority: deployerAddr})
	expectReason(t, err, voucher.ErrSchemaMismatch)

	_, err = ver.LazyMint(context.Background(), v, nil)
	expectReason(t, err, voucher.ErrSchemaMismatch)
}

func TestVerify_SchemeMismatch(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	v, err := voucher.CreateVoucher(context.Background(), voucher.DefaultRegistry(), sampleNFT(), marketParams(),
		newKeyAuthority(t, addr1KeyHex), voucher.TypedData)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ver.LazyMint(context.Background(), v, oneEther)
	expectReason(t, err, voucher.ErrInvalidSignature)
}

func TestVerify_TypedDataScheme(t *testing.T) {
	rdb := newTestRedis(t)
	ver := New(marketParams().Domain(), testChainID, lookup(t, voucher.CollectionNFTType),
		voucher.TypedData, NewNonceGuard(rdb), zap.NewNop())
	v, err := voucher.CreateVoucher(context.Background(), voucher.DefaultRegistry(), sampleNFT(), marketParams(),
		newKeyAuthority(t, addr1KeyHex), voucher.TypedData)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ver.LazyMint(context.Background(), v, oneEther); err != nil {
		t.Fatal(err)
	}
}

// ── AcceptOffer / BuyFromApprovedOffer ────────────────────────────────────────

func TestAcceptOffer(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	// the approved offerer (deployer) signs; the owner (addr1) accepts
	v := sign(t, deployerKeyHex, sampleNFT(), marketParams())

	_, err := ver.AcceptOffer(context.Background(), v, deployerAddr)
	expectReason(t, err, voucher.ErrCallerNotApproved)

	acc, err := ver.AcceptOffer(context.Background(), v, addr1Addr)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if acc.Signer != deployerAddr {
		t.Fatalf("signer = %s", acc.Signer.Hex())
	}
}

func TestBuyFromApprovedOffer_MessageOwner(t *testing.T) {
	ver := newMarketVerifier(t, newTestRedis(t))
	// the owner (addr1) signs; the approved offerer (deployer) buys
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())

	_, err := ver.BuyFromApprovedOffer(context.Background(), v, addr1Addr, oneEther)
	expectReason(t, err, voucher.ErrCallerNotApproved)

	if _, err := ver.BuyFromApprovedOffer(context.Background(), v, deployerAddr, oneEther); err != nil {
		t.Fatalf("BuyFromApprovedOffer: %v", err)
	}
}

func TestBuyFromApprovedOffer_ChainOwner(t *testing.T) {
	rdb := newTestRedis(t)
	v := sign(t, addr1KeyHex, sampleNFT(), marketParams())

	// token moved on chain: addr1's signature no longer authorizes the sale
	moved := newMarketVerifier(t, rdb).WithOwnerReader(staticOwner{owner: common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")})
	_, err := moved.BuyFromApprovedOffer(context.Background(), v, deployerAddr, oneEther)
	expectReason(t, err, voucher.ErrInvalidSignature)

	failing := newMarketVerifier(t, rdb).WithOwnerReader(staticOwner{err: errors.New("rpc down")})
	if _, err := failing.BuyFromApprovedOffer(context.Background(), v, deployerAddr, oneEther); err == nil {
		t.Fatal("expected error when ownership cannot be read")
	}

	current := newMarketVerifier(t, rdb).WithOwnerReader(staticOwner{owner: addr1Addr})
	if _, err := current.BuyFromApprovedOffer(context.Background(), v, deployerAddr, oneEther); err != nil {
		t.Fatalf("BuyFromApprovedOffer: %v", err)
	}
}

// ── Redeem / generations ──────────────────────────────────────────────────────

func TestRedeem_GenerationAdvances(t *testing.T) {
	ctx := context.Background()
	ver, g := newCollectionVerifier(t, newTestRedis(t))
	v0 := sign(t, deployerKeyHex, sampleGeneration(0), collectionParams())

	if _, err := ver.Redeem(ctx, v0, deployerAddr, oneEther); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	_, err := ver.Redeem(ctx, v0, deployerAddr, oneEther)
	expectReason(t, err, voucher.ErrStaleGeneration)

	cur, err := g.Current(ctx, testCollection)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Int64() != 1 {
		t.Fatalf("current generation = %s, want 1", cur)
	}

	v1 := sign(t, deployerKeyHex, sampleGeneration(1), collectionParams())
	if _, err := ver.Redeem(ctx, v1, deployerAddr, oneEther); err != nil {
		t.Fatalf("next generation: %v", err)
	}
}

func TestRedeem_FutureGenerationRejected(t *testing.T) {
	ver, _ := newCollectionVerifier(t, newTestRedis(t))
	v := sign(t, deployerKeyHex, sampleGeneration(3), collectionParams())
	_, err := ver.Redeem(context.Background(), v, deployerAddr, oneEther)
	expectReason(t, err, voucher.ErrStaleGeneration)
}

func TestRedeem_UntrustedIssuer(t *testing.T) {
	ver, _ := newCollectionVerifier(t, newTestRedis(t))
	v := sign(t, addr1KeyHex, sampleGeneration(0), collectionParams())
	_, err := ver.Redeem(context.Background(), v, deployerAddr, oneEther)
	expectReason(t, err, voucher.ErrInvalidSignature)
}

func TestGenerationGuard_Reset(t *testing.T) {
	ctx := context.Background()
	ver, g := newCollectionVerifier(t, newTestRedis(t))
	if err := g.Reset(ctx, testCollection, big.NewInt(5), nil); err != nil {
		t.Fatal(err)
	}
	v := sign(t, deployerKeyHex, sampleGeneration(5), collectionParams())
	if _, err := ver.Redeem(ctx, v, deployerAddr, oneEther); err != nil {
		t.Fatalf("redeem after reset: %v", err)
	}
	if err := g.Reset(ctx, testCollection, big.NewInt(-1), nil); err == nil {
		t.Fatal("expected error for negative generation")
	}
	if err := g.Reset(ctx, testCollection, big.NewInt(6), big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative last token id")
	}
}

func TestGenerationGuard_PinnedLastTokenID(t *testing.T) {
	ctx := context.Background()
	ver, g := newCollectionVerifier(t, newTestRedis(t))
	if err := g.Reset(ctx, testCollection, big.NewInt(1), big.NewInt(10000)); err != nil {
		t.Fatal(err)
	}
	pinned, err := g.LastTokenID(ctx, testCollection)
	if err != nil || pinned == nil || pinned.Int64() != 10000 {
		t.Fatalf("LastTokenID = %v, %v", pinned, err)
	}

	wrong := sampleGeneration(1)
	wrong.LastTokenID = big.NewInt(20000)
	_, err = ver.Redeem(ctx, sign(t, deployerKeyHex, wrong, collectionParams()), deployerAddr, oneEther)
	expectReason(t, err, voucher.ErrStaleGeneration)

	// the rejected voucher left the pointer alone
	if cur, _ := g.Current(ctx, testCollection); cur.Int64() != 1 {
		t.Fatalf("current generation = %s, want 1", cur)
	}

	if _, err := ver.Redeem(ctx, sign(t, deployerKeyHex, sampleGeneration(1), collectionParams()), deployerAddr, oneEther); err != nil {
		t.Fatalf("redeem with pinned last token id: %v", err)
	}
	if pinned, _ := g.LastTokenID(ctx, testCollection); pinned != nil {
		t.Fatalf("pin should clear once the generation advances, got %s", pinned)
	}
}

// ── Concurrency ───────────────────────────────────────────────────────────────

func TestVerify_ConcurrentPresentationsAcceptOnce(t *testing.T) {
	cases := []struct {
		name    string
		present func(*testing.T) func() error
	}{
		{"nonce", func(t *testing.T) func() error {
			ver := newMarketVerifier(t, newTestRedis(t))
			v := sign(t, addr1KeyHex, sampleNFT(), marketParams())
			return func() error { _, err := ver.LazyMint(context.Background(), v, oneEther); return err }
		}},
		{"generation", func(t *testing.T) func() error {
			ver, _ := newCollectionVerifier(t, newTestRedis(t))
			v := sign(t, deployerKeyHex, sampleGeneration(0), collectionParams())
			return func() error { _, err := ver.Redeem(context.Background(), v, deployerAddr, oneEther); return err }
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			present := tc.present(t)
			const n = 32
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				accepted int
				replayed int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := present()
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						accepted++
					case errors.Is(err, voucher.ErrReplayedNonce), errors.Is(err, voucher.ErrStaleGeneration):
						replayed++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()
			if accepted != 1 || replayed != n-1 {
				t.Fatalf("accepted=%d replayed=%d, want 1 and %d", accepted, replayed, n-1)
			}
		})
	}
}

// ── GuardFor ──────────────────────────────────────────────────────────────────

func TestGuardFor(t *testing.T) {
	rdb := newTestRedis(t)
	g, err := GuardFor(lookup(t, voucher.CollectionNFTType), rdb)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.(*NonceGuard); !ok {
		t.Fatalf("CollectionNFT guard is %T", g)
	}
	g, err = GuardFor(lookup(t, voucher.VirtualCollectionType), rdb)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.(*GenerationGuard); !ok {
		t.Fatalf("VirtualCollection guard is %T", g)
	}

	r := voucher.NewRegistry()
	if err := r.Register("Plain", voucher.Field{Name: "memo", Type: "string"}); err != nil {
		t.Fatal(err)
	}
	plain, _ := r.Lookup("Plain")
	if _, err := GuardFor(plain, rdb); err == nil {
		t.Fatal("expected error for a schema without replay fields")
	}
}
