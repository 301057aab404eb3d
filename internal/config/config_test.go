package config

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SIGNER_PRIVATE_KEY", testKey)
	t.Setenv("CHAIN_ID", "31337")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.KeyholderPort != 9090 {
		t.Errorf("ports = %d/%d", cfg.Server.Port, cfg.Server.KeyholderPort)
	}
	if cfg.Domains.MarketName != "LEXITNFT" || cfg.Domains.CollectionName != "Transformers" || cfg.Domains.Version != "1" {
		t.Errorf("unexpected domains %+v", cfg.Domains)
	}
	if cfg.Signer.Scheme != "eip191-digest" {
		t.Errorf("scheme = %q", cfg.Signer.Scheme)
	}
	if cfg.Chain.ChainID != 31337 {
		t.Errorf("chain id = %d", cfg.Chain.ChainID)
	}
}

func TestLoad_MissingSigner(t *testing.T) {
	t.Setenv("CHAIN_ID", "31337")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "SIGNER_PRIVATE_KEY") {
		t.Fatalf("expected missing signer error, got %v", err)
	}
}

func TestLoad_MissingChain(t *testing.T) {
	t.Setenv("SIGNER_PRIVATE_KEY", testKey)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "RPC_URL or CHAIN_ID") {
		t.Fatalf("expected missing chain error, got %v", err)
	}
}

func TestLoad_BadScheme(t *testing.T) {
	t.Setenv("SIGNER_PRIVATE_KEY", testKey)
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("SIGNING_SCHEME", "eth_sign")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown signing scheme")
	}
}

func TestLoad_Operators(t *testing.T) {
	t.Setenv("SIGNER_PRIVATE_KEY", testKey)
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("API_OPERATORS", "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266, 0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	ops, err := cfg.OperatorAddresses()
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 || ops[1] != common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8") {
		t.Fatalf("operators = %v", ops)
	}

	t.Setenv("API_OPERATORS", "not-an-address")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid operator")
	}
}

func TestLoad_KeystorePrompt(t *testing.T) {
	t.Setenv("SIGNER_KEYSTORE", "/keys/signer.json")
	t.Setenv("CHAIN_ID", "31337")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Signer.PromptPassword {
		t.Fatal("keystore without password should prompt")
	}

	t.Setenv("SIGNER_KEYSTORE_PASSWORD", "hunter2")
	cfg, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Signer.PromptPassword {
		t.Fatal("keystore with password should not prompt")
	}
}

func TestLoadKeyholder(t *testing.T) {
	t.Setenv("SIGNER_PRIVATE_KEY", testKey)
	cfg, err := LoadKeyholder()
	if err != nil {
		t.Fatalf("LoadKeyholder: %v", err)
	}
	if got := cfg.Server.KeyholderAddr(); got != "127.0.0.1:9090" {
		t.Errorf("default key holder address = %s, want loopback", got)
	}

	t.Setenv("KEYHOLDER_HOST", "10.0.0.5")
	t.Setenv("KEYHOLDER_PORT", "9443")
	if cfg, err = LoadKeyholder(); err != nil || cfg.Server.KeyholderAddr() != "10.0.0.5:9443" {
		t.Fatalf("KeyholderAddr = %v, %v", cfg, err)
	}

	t.Setenv("SIGNER_REMOTE_ADDR", "keyholder:9090")
	if _, err := LoadKeyholder(); err == nil {
		t.Fatal("key holder must not itself sign remotely")
	}
}
