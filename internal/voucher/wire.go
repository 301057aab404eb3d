package voucher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

type wireDomain struct {
	Name              string          `json:"name"`
	Version           string          `json:"version"`
	ChainID           json.RawMessage `json:"chainId"`
	VerifyingContract string          `json:"verifyingContract"`
}

type wireVoucher struct {
	ID          string          `json:"id,omitempty"`
	PrimaryType string          `json:"primaryType"`
	Domain      wireDomain      `json:"domain"`
	Digest      string          `json:"digest,omitempty"`
	Message     json.RawMessage `json:"message"`
	Signature   hexutil.Bytes   `json:"signature"`
	Scheme      string          `json:"scheme,omitempty"`
}

// MarshalJSON renders integers as decimal strings, addresses as checksummed hex and byte
// strings as 0x-hex.
func (d Domain) MarshalJSON() ([]byte, error) {
	return json.Marshal(domainToWire(d))
}

func domainToWire(d Domain) wireDomain {
	chainID := "0"
	if d.ChainID != nil {
		chainID = d.ChainID.String()
	}
	return wireDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           json.RawMessage(strconv.Quote(chainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

func (d *Domain) UnmarshalJSON(data []byte) error {
	var w wireDomain
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out, err := domainFromWire(w)
	if err != nil {
		return err
	}
	*d = out
	return nil
}

func domainFromWire(w wireDomain) (Domain, error) {
	chainID, ok := parseIntLiteral(w.ChainID)
	if !ok || chainID.Sign() < 0 {
		return Domain{}, fmt.Errorf("domain: invalid chainId %q", w.ChainID)
	}
	if !common.IsHexAddress(w.VerifyingContract) {
		return Domain{}, fmt.Errorf("domain: invalid verifyingContract %q", w.VerifyingContract)
	}
	return BuildDomain(w.Name, w.Version, chainID, common.HexToAddress(w.VerifyingContract)), nil
}

func (v Voucher) MarshalJSON() ([]byte, error) {
	var msg json.RawMessage = []byte("null")
	if v.Message != nil {
		b, err := json.Marshal(EncodeMessage(v.Message))
		if err != nil {
			return nil, err
		}
		msg = b
	}
	w := wireVoucher{
		ID:          v.ID,
		PrimaryType: v.PrimaryType(),
		Domain:      domainToWire(v.Domain),
		Message:     msg,
		Signature:   v.Signature,
		Scheme:      v.Scheme,
	}
	if v.Digest != (common.Hash{}) {
		w.Digest = v.Digest.Hex()
	}
	return json.Marshal(w)
}

// EncodeMessage converts m's values to their JSON wire form.
func EncodeMessage(m Message) map[string]any {
	vals := m.Values()
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		switch x := v.(type) {
		case *big.Int:
			if x == nil {
				out[k] = nil
			} else {
				out[k] = x.String()
			}
		case common.Address:
			out[k] = x.Hex()
		case common.Hash:
			out[k] = x.Hex()
		case []byte:
			out[k] = hexutil.Encode(x)
		default:
			out[k] = v
		}
	}
	return out
}

// ParseVoucher decodes a voucher in wire form. The message is checked against the schema
// registered for primaryType. An absent digest stays zero; the verifier decides whether to
// require one.
func (r *Registry) ParseVoucher(data []byte) (*Voucher, error) {
	var w wireVoucher
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	schema, err := r.Lookup(w.PrimaryType)
	if err != nil {
		return nil, err
	}
	domain, err := domainFromWire(w.Domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	msg, err := DecodeMessage(schema, w.Message)
	if err != nil {
		return nil, err
	}
	v := &Voucher{
		ID:        w.ID,
		Domain:    domain,
		Message:   msg,
		Signature: w.Signature,
		Scheme:    w.Scheme,
	}
	if w.Digest != "" {
		b, err := hexutil.Decode(w.Digest)
		if err != nil || len(b) != common.HashLength {
			return nil, fmt.Errorf("%w: invalid digest %q", ErrDigestMismatch, w.Digest)
		}
		v.Digest = common.BytesToHash(b)
	}
	return v, nil
}

// DecodeMessage parses a JSON object into a message of schema s. Integers may be JSON
// numbers, decimal strings or 0x-hex strings.
func DecodeMessage(s *Schema, data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrSchemaMismatch, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: message is empty", ErrSchemaMismatch)
	}
	for _, name := range sortedKeys(raw) {
		if !s.Has(name) {
			return nil, fmt.Errorf("%w: unexpected field %q", ErrSchemaMismatch, name)
		}
	}
	vals := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		rv, ok := raw[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrSchemaMismatch, f.Name)
		}
		v, err := decodeValue(f.Type, rv)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrSchemaMismatch, f.Name, err)
		}
		vals[f.Name] = v
	}
	return FromValues(s, vals)
}

func decodeValue(typ string, rv any) (any, error) {
	switch typ {
	case "address":
		s, ok := rv.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %v", rv)
		}
		return common.HexToAddress(s), nil
	case "string":
		s, ok := rv.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", rv)
		}
		return s, nil
	case "bytes":
		s, ok := rv.(string)
		if !ok {
			return nil, fmt.Errorf("want 0x-hex string, got %T", rv)
		}
		return hexutil.Decode(s)
	case "bytes32":
		s, ok := rv.(string)
		if !ok {
			return nil, fmt.Errorf("want 0x-hex string, got %T", rv)
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) != common.HashLength {
			return nil, fmt.Errorf("bytes32 has %d bytes", len(b))
		}
		return common.BytesToHash(b), nil
	case "bool":
		b, ok := rv.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", rv)
		}
		return b, nil
	}
	var s string
	switch x := rv.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = x
	default:
		return nil, fmt.Errorf("want integer, got %T", rv)
	}
	n, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseIntLiteral accepts a JSON number or a string holding a decimal or 0x-hex integer.
func parseIntLiteral(raw json.RawMessage) (*big.Int, bool) {
	s := string(bytes.TrimSpace(raw))
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	if s == "" || s == "null" {
		return nil, false
	}
	return math.ParseBig256(s)
}
