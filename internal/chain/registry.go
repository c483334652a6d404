package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"stablepay/internal/config"
)

// ErrUnknownToken is returned for symbols missing from the registry.
var ErrUnknownToken = errors.New("unknown token")

// Token is a registered ERC-20 token.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// ToAtoms converts a human amount into the token's smallest unit, truncating extra precision.
func (t Token) ToAtoms(amount decimal.Decimal) *big.Int {
	return amount.Shift(t.Decimals).Truncate(0).BigInt()
}

// FromAtoms converts smallest-unit atoms into a human amount.
func (t Token) FromAtoms(atoms *big.Int) decimal.Decimal {
	if atoms == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(atoms, -t.Decimals)
}

// Registry resolves token symbols and addresses.
type Registry struct {
	bySymbol  map[string]Token
	byAddress map[common.Address]Token
}

// NewRegistry builds a registry from tokens; symbols are case-insensitive.
func NewRegistry(tokens ...Token) (*Registry, error) {
	r := &Registry{
		bySymbol:  make(map[string]Token, len(tokens)),
		byAddress: make(map[common.Address]Token, len(tokens)),
	}
	for _, tok := range tokens {
		tok.Symbol = strings.ToUpper(strings.TrimSpace(tok.Symbol))
		if tok.Symbol == "" {
			return nil, errors.New("token symbol is required")
		}
		if _, dup := r.bySymbol[tok.Symbol]; dup {
			return nil, fmt.Errorf("duplicate token %s", tok.Symbol)
		}
		r.bySymbol[tok.Symbol] = tok
		r.byAddress[tok.Address] = tok
	}
	return r, nil
}

// RegistryFromConfig builds the registry from configured tokens.
func RegistryFromConfig(tokens []config.TokenConfig) (*Registry, error) {
	out := make([]Token, 0, len(tokens))
	for _, tc := range tokens {
		if !common.IsHexAddress(tc.Address) {
			return nil, fmt.Errorf("token %s: invalid address %q", tc.Symbol, tc.Address)
		}
		out = append(out, Token{Symbol: tc.Symbol, Address: common.HexToAddress(tc.Address), Decimals: tc.Decimals})
	}
	return NewRegistry(out...)
}

// Lookup returns the token registered under symbol.
func (r *Registry) Lookup(symbol string) (Token, error) {
	if r != nil {
		if tok, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
			return tok, nil
		}
	}
	return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
}

// ByAddress returns the token registered at addr.
func (r *Registry) ByAddress(addr common.Address) (Token, bool) {
	if r == nil {
		return Token{}, false
	}
	tok, ok := r.byAddress[addr]
	return tok, ok
}

// Symbols lists registered symbols in sorted order.
func (r *Registry) Symbols() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
