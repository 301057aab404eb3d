// Command keyholder serves a local signing key over gRPC so that voucherd never holds it.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/lexitnft/voucher-service/internal/authority"
	"github.com/lexitnft/voucher-service/internal/config"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.LoadKeyholder()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	key, err := authority.Resolve(context.Background(), authority.Source{
		PrivateKeyHex:    cfg.Signer.PrivateKey,
		KeystorePath:     cfg.Signer.Keystore,
		KeystorePassword: cfg.Signer.KeystorePassword,
		PromptPassword:   cfg.Signer.PromptPassword,
	})
	if err != nil {
		log.Fatal("load signing key failed", zap.Error(err))
	}

	lis, err := net.Listen("tcp", cfg.Server.KeyholderAddr())
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}
	srv := newServer(authority.NewServer(key, log))

	go func() {
		log.Info("key holder starting",
			zap.String("listen", cfg.Server.KeyholderAddr()),
			zap.String("address", key.Address().Hex()),
		)
		if err := srv.Serve(lis); err != nil {
			log.Fatal("gRPC server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	srv.GracefulStop()
	log.Info("shutdown complete")
}

func newServer(s authority.SignerServer) *grpc.Server {
	srv := grpc.NewServer()
	authority.RegisterSignerServer(srv, s)
	return srv
}
