package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderSignedMessage   = "X-Signed-Message"
	HeaderWalletSignature = "X-Wallet-Signature"

	// WalletKey and ActionKey are the gin context keys set on success.
	WalletKey = "wallet_address"
	ActionKey = "auth_action"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action     string `json:"action"`
	BodyHash   string `json:"body_hash"`
	ExpiresAt  int64  `json:"expires_at"`
	Nonce      string `json:"nonce"`
	ResourceID string `json:"resource_id"`
}

// Options tunes the middleware. Zero values select the defaults.
type Options struct {
	// MaxFutureWindow bounds how far ahead expires_at may be. Default 5 minutes.
	MaxFutureWindow time.Duration
	// ResourceParam names the path parameter resource_id must equal. Empty disables the check.
	ResourceParam string
	// MaxBodyBytes caps the body read for body_hash. Default 1 MiB.
	MaxBodyBytes int64
}

// Middleware returns a Gin handler that validates EIP-191 wallet signatures.
func Middleware(rdb *redis.Client, log *zap.Logger, opts Options) gin.HandlerFunc {
	window := opts.MaxFutureWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return func(c *gin.Context) {
		walletAddr := c.GetHeader(HeaderWalletAddress)
		signedMsgB64 := c.GetHeader(HeaderSignedMessage)
		sigHex := c.GetHeader(HeaderWalletSignature)

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}
		if !common.IsHexAddress(walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid wallet address"})
			return
		}

		// Decode signed message
		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}

		now := time.Now().Unix()

		// Check expiry
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(window.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}
		if req.Nonce == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing nonce"})
			return
		}

		if opts.ResourceParam != "" && !strings.EqualFold(req.ResourceID, c.Param(opts.ResourceParam)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "resource_id mismatch"})
			return
		}

		// body_hash must match the body actually sent
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unable to read body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		if !strings.EqualFold(req.BodyHash, BodyHash(body)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "body_hash mismatch"})
			return
		}

		// Decode signature
		sigHex = strings.TrimPrefix(sigHex, "0x")
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}

		// Recover signer
		recovered, err := Recover(msgBytes, sig)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if recovered != common.HexToAddress(walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		// Nonce dedup via Redis SET NX
		nonceKey := "auth:nonce:" + req.Nonce
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKey, 1, ttl).Result()
		if err != nil {
			log.Error("auth: nonce dedup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(WalletKey, recovered.Hex())
		c.Set(ActionKey, req.Action)
		c.Next()
	}
}

// RequireAction rejects requests whose signed action differs from action. It must run after
// Middleware.
func RequireAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ActionKey) != action {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signed action does not match endpoint"})
			return
		}
		c.Next()
	}
}

// Wallet returns the authenticated wallet set by Middleware.
func Wallet(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString(WalletKey))
}
