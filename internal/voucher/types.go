package voucher

import (
	"github.com/ethereum/go-ethereum/common"
)

// Voucher is the transportable (digest, message, signature) triple. ID is assigned at
// issuance for tracing and is not covered by the signature.
type Voucher struct {
	ID        string
	Domain    Domain
	Digest    common.Hash
	Message   Message
	Signature []byte
	Scheme    string
}

// PrimaryType returns the kind of the carried message, or "" when there is none.
func (v Voucher) PrimaryType() string {
	if v.Message == nil {
		return ""
	}
	return v.Message.PrimaryType()
}

// Redis key templates
const (
	NonceKeyFmt       = "voucher:nonce:%s:%s"     // %s = verifying contract (checksummed), nonce
	GenerationKeyFmt  = "voucher:generation:%s"   // %s = verifying contract
	OutboxKeyFmt      = "voucher:outbox:%s"       // %s = verifying contract
	IssuerNonceKeyFmt = "voucher:issuer-nonce:%s" // %s = verifying contract
)
