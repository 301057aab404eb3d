package voucher

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Message is the field mapping a voucher commits to. Values returns a fresh copy keyed by
// schema field name, using the canonical Go type of each semantic type:
//
//	address → common.Address   uintN → *big.Int   string → string
//	bytes   → []byte           bytes32 → common.Hash   bool → bool
type Message interface {
	PrimaryType() string
	Values() map[string]any
}

// CollectionNFT authorizes a lazy mint or an approved-offer purchase on the marketplace.
type CollectionNFT struct {
	Creator         common.Address
	Owner           common.Address
	Price           *big.Int
	TokenID         *big.Int
	TokenAddress    common.Address
	TokenURI        string
	CreatorLoyalty  uint8
	ApprovedOfferer common.Address
	Nonce           *big.Int
}

func (CollectionNFT) PrimaryType() string { return CollectionNFTType }

func (m CollectionNFT) Values() map[string]any {
	return map[string]any{
		"creator":         m.Creator,
		"owner":           m.Owner,
		"price":           copyInt(m.Price),
		"_tokenId":        copyInt(m.TokenID),
		"_tokenAddress":   m.TokenAddress,
		"tokenURI":        m.TokenURI,
		"creatorLoyalty":  big.NewInt(int64(m.CreatorLoyalty)),
		"approvedOfferer": m.ApprovedOfferer,
		"nonce":           copyInt(m.Nonce),
	}
}

// VirtualCollection authorizes redemption of one token from a generative collection.
type VirtualCollection struct {
	ID          *big.Int
	Name        string
	LastTokenID *big.Int
	Price       *big.Int
	CreatorFee  uint8
}

func (VirtualCollection) PrimaryType() string { return VirtualCollectionType }

func (m VirtualCollection) Values() map[string]any {
	return map[string]any{
		"id":          copyInt(m.ID),
		"name":        m.Name,
		"lastTokenId": copyInt(m.LastTokenID),
		"price":       copyInt(m.Price),
		"creatorFee":  big.NewInt(int64(m.CreatorFee)),
	}
}

// Record is a message for schemas registered after the built-in ones.
type Record struct {
	Type   string
	Fields map[string]any
}

func (r Record) PrimaryType() string { return r.Type }

func (r Record) Values() map[string]any {
	out := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		if b, ok := v.(*big.Int); ok {
			v = copyInt(b)
		}
		if b, ok := v.([]byte); ok {
			v = bytes.Clone(b)
		}
		out[k] = v
	}
	return out
}

// Validate checks m against s and returns its values. Missing, extra, mistyped and
// out-of-range fields fail with ErrSchemaMismatch.
func Validate(s *Schema, m Message) (map[string]any, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrSchemaMismatch)
	}
	if m.PrimaryType() != s.PrimaryType {
		return nil, fmt.Errorf("%w: message is %s, schema is %s", ErrSchemaMismatch, m.PrimaryType(), s.PrimaryType)
	}
	vals := m.Values()
	if len(vals) != len(s.Fields) {
		for name := range vals {
			if !s.Has(name) {
				return nil, fmt.Errorf("%w: unexpected field %q", ErrSchemaMismatch, name)
			}
		}
	}
	for _, f := range s.Fields {
		v, ok := vals[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrSchemaMismatch, f.Name)
		}
		if err := checkValue(f.Type, v); err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrSchemaMismatch, f.Name, err)
		}
	}
	return vals, nil
}

func checkValue(typ string, v any) error {
	switch typ {
	case "address":
		if _, ok := v.(common.Address); !ok {
			return fmt.Errorf("want common.Address, got %T", v)
		}
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("want string, got %T", v)
		}
	case "bytes":
		if _, ok := v.([]byte); !ok {
			return fmt.Errorf("want []byte, got %T", v)
		}
	case "bytes32":
		if _, ok := v.(common.Hash); !ok {
			return fmt.Errorf("want common.Hash, got %T", v)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
	default:
		bits, ok := uintBits(typ)
		if !ok {
			return fmt.Errorf("unsupported type %s", typ)
		}
		n, ok := v.(*big.Int)
		if !ok || n == nil {
			return fmt.Errorf("want *big.Int, got %T", v)
		}
		if n.Sign() < 0 || n.BitLen() > bits {
			return fmt.Errorf("%s out of range for %s", n, typ)
		}
	}
	return nil
}

const (
	collectionNFTEncodeType     = "CollectionNFT(address creator,address owner,uint256 price,uint256 _tokenId,address _tokenAddress,string tokenURI,uint8 creatorLoyalty,address approvedOfferer,uint256 nonce)"
	virtualCollectionEncodeType = "VirtualCollection(uint256 id,string name,uint256 lastTokenId,uint256 price,uint8 creatorFee)"
)

// FromValues builds the typed message for s from values. Schemas other than the built-in
// CollectionNFT and VirtualCollection layouts yield a Record.
func FromValues(s *Schema, vals map[string]any) (Message, error) {
	rec := Record{Type: s.PrimaryType, Fields: vals}
	if _, err := Validate(s, rec); err != nil {
		return nil, err
	}
	switch s.EncodeType() {
	case collectionNFTEncodeType:
		return CollectionNFT{
			Creator:         vals["creator"].(common.Address),
			Owner:           vals["owner"].(common.Address),
			Price:           copyInt(vals["price"].(*big.Int)),
			TokenID:         copyInt(vals["_tokenId"].(*big.Int)),
			TokenAddress:    vals["_tokenAddress"].(common.Address),
			TokenURI:        vals["tokenURI"].(string),
			CreatorLoyalty:  uint8(vals["creatorLoyalty"].(*big.Int).Uint64()),
			ApprovedOfferer: vals["approvedOfferer"].(common.Address),
			Nonce:           copyInt(vals["nonce"].(*big.Int)),
		}, nil
	case virtualCollectionEncodeType:
		return VirtualCollection{
			ID:          copyInt(vals["id"].(*big.Int)),
			Name:        vals["name"].(string),
			LastTokenID: copyInt(vals["lastTokenId"].(*big.Int)),
			Price:       copyInt(vals["price"].(*big.Int)),
			CreatorFee:  uint8(vals["creatorFee"].(*big.Int).Uint64()),
		}, nil
	}
	return Record{Type: s.PrimaryType, Fields: rec.Values()}, nil
}

func copyInt(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}
