package voucher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashStruct computes keccak256(typeHash || encodeData(message)) for a message conforming
// to s.
func HashStruct(s *Schema, m Message) (common.Hash, error) {
	vals, err := Validate(s, m)
	if err != nil {
		return common.Hash{}, err
	}
	return hashValues(s, vals), nil
}

func hashValues(s *Schema, vals map[string]any) common.Hash {
	// structHash = keccak256(typeHash || abi.encode(fields)), one 32-byte slot per field
	encoded := make([]byte, 32*(1+len(s.Fields)))
	typeHash := s.TypeHash()
	copy(encoded[0:32], typeHash[:])
	for i, f := range s.Fields {
		encodeValue(encoded[32*(i+1):32*(i+2)], f.Type, vals[f.Name])
	}
	return crypto.Keccak256Hash(encoded)
}

// encodeValue writes the 32-byte EIP-712 encoding of v into slot. v has been type-checked.
func encodeValue(slot []byte, typ string, v any) {
	switch typ {
	case "address":
		addr := v.(common.Address)
		copy(slot[12:32], addr.Bytes()) // padded address
	case "string":
		h := crypto.Keccak256Hash([]byte(v.(string)))
		copy(slot, h[:])
	case "bytes":
		h := crypto.Keccak256Hash(v.([]byte))
		copy(slot, h[:])
	case "bytes32":
		h := v.(common.Hash)
		copy(slot, h[:])
	case "bool":
		if v.(bool) {
			slot[31] = 1
		}
	default:
		v.(*big.Int).FillBytes(slot)
	}
}

// Digest returns keccak256(0x19 0x01 || domainSeparator || structHash).
func Digest(d Domain, s *Schema, m Message) (common.Hash, error) {
	if err := d.Validate(); err != nil {
		return common.Hash{}, err
	}
	structHash, err := HashStruct(s, m)
	if err != nil {
		return common.Hash{}, err
	}
	return digestOf(d.Separator(), structHash), nil
}

func digestOf(separator, structHash common.Hash) common.Hash {
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], separator[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}
