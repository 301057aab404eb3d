// Package api exposes voucher issuance and redemption over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lexitnft/voucher-service/internal/auth"
	"github.com/lexitnft/voucher-service/internal/issuer"
	"github.com/lexitnft/voucher-service/internal/verifier"
	"github.com/lexitnft/voucher-service/internal/voucher"
)

// Signed actions a wallet must name in X-Signed-Message for each endpoint.
const (
	ActionIssue       = "issue"
	ActionLazyMint    = "lazy-mint"
	ActionAcceptOffer = "accept-offer"
	ActionBuy         = "buy"
	ActionRedeem      = "redeem"
	ActionGeneration  = "open-generation"
)

// maxBodyBytes caps request bodies; a voucher with its message fits in a few kilobytes.
const maxBodyBytes = 64 << 10

// Options configures optional behaviour of the handler.
type Options struct {
	// Operators may request signatures and open generations. Empty disables both.
	Operators []common.Address
	// CollectionIssuer signs VirtualCollection vouchers. Zero means the issuer's own signer.
	CollectionIssuer common.Address
	// Owners resolves current token ownership for buy. Nil trusts the signed owner field.
	Owners verifier.OwnerReader
	// AuthWindow bounds how far ahead a signed request may expire.
	AuthWindow time.Duration
}

// Handler wires the voucher routes onto a Gin engine.
type Handler struct {
	issuer           *issuer.Issuer
	rdb              *redis.Client
	operators        map[common.Address]bool
	collectionIssuer common.Address
	owners           verifier.OwnerReader
	authWindow       time.Duration
	log              *zap.Logger
}

func NewHandler(iss *issuer.Issuer, rdb *redis.Client, opts Options, log *zap.Logger) *Handler {
	ops := make(map[common.Address]bool, len(opts.Operators))
	for _, a := range opts.Operators {
		ops[a] = true
	}
	ci := opts.CollectionIssuer
	if ci == (common.Address{}) {
		ci = iss.Signer()
	}
	return &Handler{
		issuer:           iss,
		rdb:              rdb,
		operators:        ops,
		collectionIssuer: ci,
		owners:           opts.Owners,
		authWindow:       opts.AuthWindow,
		log:              log,
	}
}

// Register mounts all routes under rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	authed := auth.Middleware(h.rdb, h.log, auth.Options{
		MaxFutureWindow: h.authWindow,
		ResourceParam:   "contract",
		MaxBodyBytes:    maxBodyBytes,
	})

	// ── Read-only ──────────────────────────────────────────────────────────
	rg.GET("/signer", h.handleSigner)
	rg.GET("/schemas", h.handleSchemas)

	c := rg.Group("/contracts/:contract")
	c.GET("/vouchers", h.handleIssued)
	c.GET("/generation", h.handleGeneration)
	c.POST("/digest/:type", h.handleDigest)

	// ── Issuance ───────────────────────────────────────────────────────────
	c.POST("/vouchers/:type", authed, auth.RequireAction(ActionIssue), h.requireOperator, h.handleIssue)
	c.PUT("/generation", authed, auth.RequireAction(ActionGeneration), h.requireOperator, h.handleOpenGeneration)

	// ── Presentation ───────────────────────────────────────────────────────
	c.POST("/lazy-mint", authed, auth.RequireAction(ActionLazyMint),
		h.present(voucher.CollectionNFTType, func(ctx context.Context, v *verifier.Verifier, vc *voucher.Voucher, _ common.Address, value *big.Int) (*verifier.Acceptance, error) {
			return v.LazyMint(ctx, vc, value)
		}))
	c.POST("/accept-offer", authed, auth.RequireAction(ActionAcceptOffer),
		h.present(voucher.CollectionNFTType, func(ctx context.Context, v *verifier.Verifier, vc *voucher.Voucher, caller common.Address, _ *big.Int) (*verifier.Acceptance, error) {
			return v.AcceptOffer(ctx, vc, caller)
		}))
	c.POST("/buy", authed, auth.RequireAction(ActionBuy),
		h.present(voucher.CollectionNFTType, func(ctx context.Context, v *verifier.Verifier, vc *voucher.Voucher, caller common.Address, value *big.Int) (*verifier.Acceptance, error) {
			return v.BuyFromApprovedOffer(ctx, vc, caller, value)
		}))
	c.POST("/redeem", authed, auth.RequireAction(ActionRedeem),
		h.present(voucher.VirtualCollectionType, func(ctx context.Context, v *verifier.Verifier, vc *voucher.Voucher, _ common.Address, value *big.Int) (*verifier.Acceptance, error) {
			return v.Redeem(ctx, vc, h.collectionIssuer, value)
		}))
}

// ── Read-only ───────────────────────────────────────────────────────────────

func (h *Handler) handleSigner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"address": h.issuer.Signer().Hex(),
		"scheme":  h.issuer.Scheme().Name(),
		"chainId": h.issuer.ChainID().String(),
	})
}

func (h *Handler) handleSchemas(c *gin.Context) {
	reg := h.issuer.Registry()
	out := make([]gin.H, 0)
	for _, name := range reg.Names() {
		s, err := reg.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, gin.H{
			"primaryType": s.PrimaryType,
			"encodeType":  s.EncodeType(),
			"typeHash":    s.TypeHash().Hex(),
			"fields":      s.Fields,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleIssued(c *gin.Context) {
	contract, ok := contractParam(c)
	if !ok {
		return
	}
	limit := int64(100)
	if q := c.Query("limit"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	list, err := h.issuer.Issued(c.Request.Context(), contract, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": list})
}

func (h *Handler) handleGeneration(c *gin.Context) {
	contract, ok := contractParam(c)
	if !ok {
		return
	}
	g := verifier.NewGenerationGuard(h.rdb)
	cur, err := g.Current(c.Request.Context(), contract)
	if err != nil {
		h.writeError(c, err)
		return
	}
	last, err := g.LastTokenID(c.Request.Context(), contract)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := gin.H{"contract": contract.Hex(), "current": cur.String()}
	if last != nil {
		resp["lastTokenId"] = last.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleDigest(c *gin.Context) {
	contract, ok := contractParam(c)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	msg, err := h.issuer.Decode(c.Request.Context(), c.Param("type"), contract, body, false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	digest, domain, err := h.issuer.Digest(contract, msg)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"primaryType": msg.PrimaryType(),
		"domain":      domain,
		"digest":      digest.Hex(),
		"message":     voucher.EncodeMessage(msg),
	})
}

// ── Issuance ────────────────────────────────────────────────────────────────

func (h *Handler) requireOperator(c *gin.Context) {
	if !h.operators[auth.Wallet(c)] {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "wallet is not an operator"})
		return
	}
	c.Next()
}

func (h *Handler) handleIssue(c *gin.Context) {
	contract, ok := contractParam(c)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	msg, err := h.issuer.Decode(ctx, c.Param("type"), contract, body, true)
	if err != nil {
		h.writeError(c, err)
		return
	}
	v, err := h.issuer.Issue(ctx, contract, msg)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Info("voucher issued via api",
		zap.String("id", v.ID),
		zap.String("operator", auth.Wallet(c).Hex()),
	)
	c.JSON(http.StatusCreated, v)
}

type openGenerationRequest struct {
	ID string `json:"id"`
	// LastTokenID, when set, is the lastTokenId a voucher for this generation must carry.
	LastTokenID string `json:"lastTokenId"`
}

func (h *Handler) handleOpenGeneration(c *gin.Context) {
	contract, ok := contractParam(c)
	if !ok {
		return
	}
	var req openGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"id\": \"<n>\", \"lastTokenId\": \"<n>\"}"})
		return
	}
	id, ok := math.ParseBig256(req.ID)
	if !ok || id.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var last *big.Int
	if req.LastTokenID != "" {
		if last, ok = math.ParseBig256(req.LastTokenID); !ok || last.Sign() < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lastTokenId"})
			return
		}
	}
	if err := verifier.NewGenerationGuard(h.rdb).Reset(c.Request.Context(), contract, id, last); err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Info("generation opened",
		zap.String("contract", contract.Hex()),
		zap.String("id", id.String()),
		zap.String("operator", auth.Wallet(c).Hex()),
	)
	resp := gin.H{"contract": contract.Hex(), "current": id.String()}
	if last != nil {
		resp["lastTokenId"] = last.String()
	}
	c.JSON(http.StatusOK, resp)
}

// ── Presentation ────────────────────────────────────────────────────────────

type presentRequest struct {
	Voucher json.RawMessage `json:"voucher"`
	// Value is the wei amount sent with the action, as a decimal string. Missing means zero.
	Value string `json:"value"`
}

type action func(ctx context.Context, v *verifier.Verifier, vc *voucher.Voucher, caller common.Address, value *big.Int) (*verifier.Acceptance, error)

func (h *Handler) present(primaryType string, act action) gin.HandlerFunc {
	return func(c *gin.Context) {
		contract, ok := contractParam(c)
		if !ok {
			return
		}
		body, ok := readBody(c)
		if !ok {
			return
		}
		var req presentRequest
		if err := json.Unmarshal(body, &req); err != nil || len(req.Voucher) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"voucher\": {...}, \"value\": \"<wei>\"}"})
			return
		}
		value := new(big.Int)
		if req.Value != "" {
			v, ok := math.ParseBig256(req.Value)
			if !ok || v.Sign() < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
				return
			}
			value = v
		}
		vc, err := h.issuer.Registry().ParseVoucher(req.Voucher)
		if err != nil {
			h.writeError(c, err)
			return
		}
		ver, err := h.verifierFor(primaryType, contract)
		if err != nil {
			h.writeError(c, err)
			return
		}
		acc, err := act(c.Request.Context(), ver, vc, auth.Wallet(c), value)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"accepted": true,
			"id":       acc.VoucherID,
			"signer":   acc.Signer.Hex(),
			"digest":   acc.Digest.Hex(),
			"message":  voucher.EncodeMessage(acc.Message),
		})
	}
}

// verifierFor builds a verifier bound to contract. Domains are rebuilt per request.
func (h *Handler) verifierFor(primaryType string, contract common.Address) (*verifier.Verifier, error) {
	params, err := h.issuer.Params(primaryType, contract)
	if err != nil {
		return nil, err
	}
	schema, err := h.issuer.Registry().Lookup(primaryType)
	if err != nil {
		return nil, err
	}
	guard, err := verifier.GuardFor(schema, h.rdb)
	if err != nil {
		return nil, err
	}
	v := verifier.New(params.Domain(), h.issuer.ChainID(), schema, h.issuer.Scheme(), guard, h.log)
	if h.owners != nil {
		v.WithOwnerReader(h.owners)
	}
	return v, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func contractParam(c *gin.Context) (common.Address, bool) {
	s := c.Param("contract")
	if !common.IsHexAddress(s) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract address"})
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// readBody reads at most maxBodyBytes of the request body, answering 413 beyond that.
func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return nil, false
	}
	return body, true
}

// writeError maps voucher errors to a status and a stable reason. Anything outside the voucher
// error set is logged and answered with a generic 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	reason := voucher.Reason(err)
	if reason == "internal" {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(statusFor(err), gin.H{
		"error":       err.Error(),
		"reason":      reason,
		"recoverable": voucher.Recoverable(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, voucher.ErrSchemaMismatch), errors.Is(err, voucher.ErrUnknownSchema):
		return http.StatusBadRequest
	case errors.Is(err, voucher.ErrSigningFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, voucher.ErrInsufficientValue):
		return http.StatusPaymentRequired
	case errors.Is(err, voucher.ErrReplayedNonce), errors.Is(err, voucher.ErrStaleGeneration):
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}
