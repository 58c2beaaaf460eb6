// Package decimals holds the per-chain token decimal exponents used to scale
// fixed-point values.
package decimals

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Default is used for tokens the registry has no entry for.
const Default = 18

var ErrInvalidMarket = errors.New("invalid market identifier")

// Registry maps (chain, symbol) to a decimal count. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	chain    string
	fallback int
	tokens   map[string]int
}

type Option func(*Registry)

// WithFallback overrides the decimal count returned for unknown tokens.
func WithFallback(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.fallback = n
		}
	}
}

// New builds a registry whose unqualified lookups resolve against chain.
func New(chain string, opts ...Option) *Registry {
	r := &Registry{
		chain:    normalize(chain),
		fallback: Default,
		tokens:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Set records the decimals for a token on a chain.
func (r *Registry) Set(chain, symbol string, decimals int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[tokenKey(chain, symbol)] = decimals
}

// Load parses entries of the form "chain:SYMBOL" or "SYMBOL" (registry
// chain) as produced by the --decimals flag.
func (r *Registry) Load(entries map[string]int) error {
	var errs []error
	for k, v := range entries {
		if v < 0 {
			errs = append(errs, fmt.Errorf("decimals for %q must be non-negative", k))
			continue
		}
		chain, symbol, ok := strings.Cut(k, ":")
		if !ok {
			chain, symbol = r.chain, k
		}
		if strings.TrimSpace(symbol) == "" {
			errs = append(errs, fmt.Errorf("decimals entry %q has no symbol", k))
			continue
		}
		r.Set(chain, symbol, v)
	}
	return errors.Join(errs...)
}

// Lookup returns the decimals for a token and whether an explicit entry was
// found. Unknown tokens resolve to the fallback.
func (r *Registry) Lookup(chain, symbol string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.tokens[tokenKey(chain, symbol)]; ok {
		return n, true
	}
	return r.fallback, false
}

func (r *Registry) Chain() string { return r.chain }

// ForMarket resolves the quote and base decimals of a market named
// "BASE-QUOTE" (or "BASE/QUOTE"), optionally prefixed by "chain:".
func (r *Registry) ForMarket(market string) (quote, base int, err error) {
	chain, pair, ok := strings.Cut(market, ":")
	if !ok {
		chain, pair = r.chain, market
	}
	baseSym, quoteSym, err := SplitPair(pair)
	if err != nil {
		return 0, 0, err
	}
	quote, _ = r.Lookup(chain, quoteSym)
	base, _ = r.Lookup(chain, baseSym)
	return quote, base, nil
}

// SplitPair splits "BASE-QUOTE", "BASE/QUOTE" or "BASE_QUOTE".
func SplitPair(pair string) (base, quote string, err error) {
	pair = strings.TrimSpace(pair)
	for _, sep := range []string{"-", "/", "_"} {
		if b, q, ok := strings.Cut(pair, sep); ok {
			b, q = strings.TrimSpace(b), strings.TrimSpace(q)
			if b == "" || q == "" || strings.ContainsAny(q, "-/_") {
				break
			}
			return strings.ToUpper(b), strings.ToUpper(q), nil
		}
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidMarket, pair)
}

// String renders the registry in --decimals flag syntax, sorted by key.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	parts := make([]string, 0, len(r.tokens))
	for k, v := range r.tokens {
		parts = append(parts, k+"="+strconv.Itoa(v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func tokenKey(chain, symbol string) string {
	return normalize(chain) + ":" + strings.ToUpper(strings.TrimSpace(symbol))
}

func normalize(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}
