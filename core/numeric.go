package core

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseQuantity losslessly parses an integer quantity that may arrive as a
// decimal string or a 0x-prefixed hex string, per spec.md 4.1's numeric
// contract. It reuses go-ethereum's hexutil (already an indirect teacher
// dependency, exercised directly in core/transactions.go and core/ledger.go
// of the teacher) for the hex branch rather than hand-rolling one.
func ParseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := hexutil.DecodeBig(s)
		if err != nil {
			return nil, NewError(ErrParseMalformed, err)
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, NewError(ErrParseMalformed, &strconvError{s})
	}
	return v, nil
}

type strconvError struct{ s string }

func (e *strconvError) Error() string { return "core: cannot parse quantity " + e.s }

// TokenDecimalsRegistry is a small local seed of known token-contract
// decimals, per spec.md 4.1 ("seeded by configuration"). Unknown contracts
// fall back to an inferred lookup (nodeclient.Pool.TokenDecimals), whose
// result the caller is expected to cache.
type TokenDecimalsRegistry struct {
	bySymbol  map[string]int
	byAddress map[Address]tokenMeta
}

type tokenMeta struct {
	Symbol   string
	Decimals int
}

// NewTokenDecimalsRegistry builds a registry from configuration-provided
// seeds: contract address (hex) -> {symbol, decimals}.
func NewTokenDecimalsRegistry(seed map[string]struct {
	Symbol   string
	Decimals int
}) *TokenDecimalsRegistry {
	r := &TokenDecimalsRegistry{
		bySymbol:  make(map[string]int),
		byAddress: make(map[Address]tokenMeta),
	}
	for addrHex, meta := range seed {
		a, err := ParseAddressHex(addrHex)
		if err != nil {
			continue
		}
		r.byAddress[a] = tokenMeta{Symbol: meta.Symbol, Decimals: meta.Decimals}
		r.bySymbol[meta.Symbol] = meta.Decimals
	}
	return r
}

// Lookup returns the seeded symbol/decimals for a token contract address,
// and whether the contract was found.
func (r *TokenDecimalsRegistry) Lookup(contract Address) (symbol string, decimals int, ok bool) {
	if r == nil {
		return "", 0, false
	}
	m, found := r.byAddress[contract]
	if !found {
		return "", 0, false
	}
	return m.Symbol, m.Decimals, true
}

// Learn records an inferred (symbol, decimals) pair for a previously
// unknown contract, so subsequent blocks reuse the cached value rather
// than calling the read-only decimals() entrypoint again.
func (r *TokenDecimalsRegistry) Learn(contract Address, symbol string, decimals int) {
	if r == nil {
		return
	}
	r.byAddress[contract] = tokenMeta{Symbol: symbol, Decimals: decimals}
	r.bySymbol[symbol] = decimals
}
