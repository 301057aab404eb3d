// Package authority provides voucher signing keys: an in-process ECDSA key, a key decrypted
// from a keystore file, or a remote key holder reached over gRPC.
package authority

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/term"
)

// Local signs with a private key held in memory.
type Local struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocal(key *ecdsa.PrivateKey) *Local {
	return &Local{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// FromHex decodes a 32-byte private key, with or without a 0x prefix.
func FromHex(privateKeyHex string) (*Local, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("authority: private key must be a 32-byte hex string (got %d chars)", len(keyHex))
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("authority: parse private key: %w", err)
	}
	return NewLocal(key), nil
}

// FromKeystore decrypts a keystore file. If prompt is true the password is read from the
// terminal instead.
func FromKeystore(path, password string, prompt bool) (*Local, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authority: read keystore: %w", err)
	}
	if prompt {
		fmt.Fprintf(os.Stderr, "Please provide a password for keystore (%s): ", path)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("authority: read password: %w", err)
		}
		password = string(raw)
	}
	key, err := keystore.DecryptKey(content, password)
	if err != nil {
		return nil, fmt.Errorf("authority: decrypt keystore: %w", err)
	}
	return NewLocal(key.PrivateKey), nil
}

func (l *Local) Address() common.Address { return l.addr }

// SignHash returns a 65-byte signature with V in {0, 1}.
func (l *Local) SignHash(ctx context.Context, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(hash) != common.HashLength {
		return nil, fmt.Errorf("authority: hash must be 32 bytes, got %d", len(hash))
	}
	return crypto.Sign(hash, l.key)
}
