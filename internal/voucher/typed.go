package voucher

import (
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// AsTypedData renders m under domain d as an eth_signTypedData_v4 payload, so wallets can sign
// the same digest the encoder produces.
func AsTypedData(s *Schema, d Domain, m Message) apitypes.TypedData {
	fields := make([]apitypes.Type, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = apitypes.Type{Name: f.Name, Type: f.Type}
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			s.PrimaryType: fields,
		},
		PrimaryType: s.PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage(EncodeMessage(m)),
	}
}
