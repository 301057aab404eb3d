package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

// HashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// Recover extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	hash := HashMessage(msg)

	// Normalize V: Ethereum uses 27/28, ecrecover expects 0/1
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// BodyHash is the 0x-hex keccak256 of a request body, as carried in body_hash.
func BodyHash(body []byte) string {
	return crypto.Keccak256Hash(body).Hex()
}

// SignHeaders builds the three wallet-auth headers for req, signed by signer.
func SignHeaders(ctx context.Context, signer voucher.Authority, req SignedRequest) (http.Header, error) {
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal signed request: %w", err)
	}
	sig, err := signer.SignHash(ctx, HashMessage(msg))
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
	h := http.Header{}
	h.Set(HeaderWalletAddress, signer.Address().Hex())
	h.Set(HeaderSignedMessage, base64.StdEncoding.EncodeToString(msg))
	h.Set(HeaderWalletSignature, hexutil.Encode(sig))
	return h, nil
}
