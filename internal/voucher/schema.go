package voucher

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Primary type names of the built-in voucher kinds.
const (
	CollectionNFTType     = "CollectionNFT"
	VirtualCollectionType = "VirtualCollection"
)

// Field is one (name, semantic type) pair of a schema.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is the ordered, typed field list of one voucher kind.
type Schema struct {
	PrimaryType string  `json:"primaryType"`
	Fields      []Field `json:"fields"`

	typeHash common.Hash
}

// EncodeType returns the EIP-712 type string, e.g. "Mail(address from,string contents)".
func (s *Schema) EncodeType() string {
	var b strings.Builder
	b.WriteString(s.PrimaryType)
	b.WriteByte('(')
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.Type)
		b.WriteByte(' ')
		b.WriteString(f.Name)
	}
	b.WriteByte(')')
	return b.String()
}

// TypeHash is keccak256(EncodeType()).
func (s *Schema) TypeHash() common.Hash {
	if s.typeHash == (common.Hash{}) {
		return crypto.Keccak256Hash([]byte(s.EncodeType()))
	}
	return s.typeHash
}

// Has reports whether the schema declares a field with the given name.
func (s *Schema) Has(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Registry maps primary type names to schemas. It is filled once at startup and sealed.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	sealed  bool
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// DefaultRegistry returns a sealed registry holding the CollectionNFT and VirtualCollection
// schemas.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(CollectionNFTType,
		Field{"creator", "address"},
		Field{"owner", "address"},
		Field{"price", "uint256"},
		Field{"_tokenId", "uint256"},
		Field{"_tokenAddress", "address"},
		Field{"tokenURI", "string"},
		Field{"creatorLoyalty", "uint8"},
		Field{"approvedOfferer", "address"},
		Field{"nonce", "uint256"},
	); err != nil {
		panic(err)
	}
	if err := r.Register(VirtualCollectionType,
		Field{"id", "uint256"},
		Field{"name", "string"},
		Field{"lastTokenId", "uint256"},
		Field{"price", "uint256"},
		Field{"creatorFee", "uint8"},
	); err != nil {
		panic(err)
	}
	r.Seal()
	return r
}

// Register adds a schema. Field order is preserved and becomes part of every digest.
func (r *Registry) Register(primaryType string, fields ...Field) error {
	if err := validateTypeName(primaryType); err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("schema %s: no fields", primaryType)
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: empty field name", primaryType)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %q", primaryType, f.Name)
		}
		seen[f.Name] = true
		if !supportedType(f.Type) {
			return fmt.Errorf("schema %s: field %q has unsupported type %q", primaryType, f.Name, f.Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("schema %s: registry is sealed", primaryType)
	}
	if _, ok := r.schemas[primaryType]; ok {
		return fmt.Errorf("schema %s: already registered", primaryType)
	}
	s := &Schema{PrimaryType: primaryType, Fields: append([]Field(nil), fields...)}
	s.typeHash = crypto.Keccak256Hash([]byte(s.EncodeType()))
	r.schemas[primaryType] = s
	return nil
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the schema registered under primaryType.
func (r *Registry) Lookup(primaryType string) (*Schema, error) {
	r.mu.RLock()
	s, ok := r.schemas[primaryType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, primaryType)
	}
	return s, nil
}

// Names returns the registered primary types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func validateTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("empty primary type")
	}
	if !unicode.IsUpper(rune(name[0])) {
		return fmt.Errorf("primary type %q must start with an upper-case letter", name)
	}
	for _, c := range name {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			return fmt.Errorf("primary type %q contains %q", name, c)
		}
	}
	return nil
}

func supportedType(t string) bool {
	switch t {
	case "address", "string", "bytes", "bytes32", "bool":
		return true
	}
	_, ok := uintBits(t)
	return ok
}

// uintBits parses "uintN" and returns N.
func uintBits(t string) (int, bool) {
	if !strings.HasPrefix(t, "uint") {
		return 0, false
	}
	n, err := strconv.Atoi(t[len("uint"):])
	if err != nil || n < 8 || n > 256 || n%8 != 0 {
		return 0, false
	}
	return n, true
}
