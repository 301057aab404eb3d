package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lexitnft/voucher-service/internal/api"
	"github.com/lexitnft/voucher-service/internal/authority"
	"github.com/lexitnft/voucher-service/internal/chain"
	"github.com/lexitnft/voucher-service/internal/config"
	"github.com/lexitnft/voucher-service/internal/issuer"
	"github.com/lexitnft/voucher-service/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain (optional: chain id discovery + ownerOf) ────────────────────────
	opts := api.Options{
		AuthWindow: time.Duration(cfg.API.AuthWindowSec) * time.Second,
	}
	var chainID *big.Int
	if cfg.Chain.RPCURL != "" {
		onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			log.Fatal("chain client init failed", zap.Error(err))
		}
		defer onchain.Close()
		chainID = onchain.ChainID()
		if cfg.Chain.ChainID != 0 && chainID.Int64() != cfg.Chain.ChainID {
			log.Fatal("CHAIN_ID does not match RPC_URL",
				zap.Int64("configured", cfg.Chain.ChainID),
				zap.String("rpc", chainID.String()),
			)
		}
		opts.Owners = onchain
	} else {
		chainID = big.NewInt(cfg.Chain.ChainID)
	}

	// ── Signing authority ─────────────────────────────────────────────────────
	signer, err := authority.Resolve(ctx, authoritySource(cfg))
	if err != nil {
		log.Fatal("signing authority init failed", zap.Error(err))
	}
	scheme, err := voucher.SchemeByName(cfg.Signer.Scheme)
	if err != nil {
		log.Fatal("invalid signing scheme", zap.Error(err))
	}

	// ── Issuer ────────────────────────────────────────────────────────────────
	iss := issuer.New(voucher.DefaultRegistry(), signer, scheme, chainID, profiles(cfg), rdb, log)

	if opts.Operators, err = cfg.OperatorAddresses(); err != nil {
		log.Fatal("invalid operators", zap.Error(err))
	}
	if len(opts.Operators) == 0 {
		log.Warn("API_OPERATORS is empty; voucher issuance and generation changes are disabled")
	}
	if cfg.API.CollectionIssuer != "" {
		opts.CollectionIssuer = common.HexToAddress(cfg.API.CollectionIssuer)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newRouter(iss, rdb, opts, log),
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signer", signer.Address().Hex()),
			zap.String("scheme", scheme.Name()),
			zap.String("chain_id", chainID.String()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if r, ok := signer.(*authority.Remote); ok {
		r.Close() //nolint:errcheck
	}
	log.Info("shutdown complete")
}

func newRouter(iss *issuer.Issuer, rdb *redis.Client, opts api.Options, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.NewHandler(iss, rdb, opts, log).Register(r.Group("/api"))
	return r
}

func authoritySource(cfg *config.Config) authority.Source {
	return authority.Source{
		RemoteAddr:       cfg.Signer.RemoteAddr,
		PrivateKeyHex:    cfg.Signer.PrivateKey,
		KeystorePath:     cfg.Signer.Keystore,
		KeystorePassword: cfg.Signer.KeystorePassword,
		PromptPassword:   cfg.Signer.PromptPassword,
	}
}

// profiles binds each built-in schema to its configured domain name.
func profiles(cfg *config.Config) map[string]issuer.Profile {
	return map[string]issuer.Profile{
		voucher.CollectionNFTType:     {Name: cfg.Domains.MarketName, Version: cfg.Domains.Version},
		voucher.VirtualCollectionType: {Name: cfg.Domains.CollectionName, Version: cfg.Domains.Version},
	}
}
