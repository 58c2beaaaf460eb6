package hl

import (
	"context"
	"errors"
	"fmt"

	"github.com/sonirico/go-hyperliquid"

	"github.com/recomma/booksync/decimals"
)

// QuoteSymbol is the collateral every Hyperliquid perp is quoted in.
const QuoteSymbol = "USDC"

// quoteDecimals is USDC's on-chain precision.
const quoteDecimals = 6

// InfoProvider describes the subset of hyperliquid.Info used for metadata discovery.
type InfoProvider interface {
	MetaAndAssetCtxs(ctx context.Context) (*hyperliquid.MetaAndAssetCtxs, error)
	SpotMetaAndAssetCtxs(ctx context.Context) (*hyperliquid.SpotMetaAndAssetCtxs, error)
}

// LoadDecimals records the size decimals of every perp and spot asset in
// reg and reports how many symbols were written. A failure of one universe
// does not prevent the other from loading; both failing is an error.
func LoadDecimals(ctx context.Context, info InfoProvider, reg *decimals.Registry) (int, error) {
	chain := reg.Chain()
	loaded := 0

	perpMeta, perpErr := info.MetaAndAssetCtxs(ctx)
	if perpErr == nil && perpMeta != nil {
		for _, asset := range perpMeta.Meta.Universe {
			coin := normalizeCoin(asset.Name)
			if coin == "" {
				continue
			}
			reg.Set(chain, coin, asset.SzDecimals)
			loaded++
		}
	}

	spotMeta, spotErr := info.SpotMetaAndAssetCtxs(ctx)
	if spotErr == nil && spotMeta != nil {
		for _, asset := range spotMeta.Meta.Universe {
			if len(asset.Tokens) == 0 {
				continue
			}
			idx := asset.Tokens[0]
			if idx < 0 || idx >= len(spotMeta.Meta.Tokens) {
				continue
			}
			base, _, err := decimals.SplitPair(asset.Name)
			if err != nil {
				// "@123" style aliases carry no symbol.
				continue
			}
			if _, ok := reg.Lookup(chain, base); ok {
				continue
			}
			reg.Set(chain, base, spotMeta.Meta.Tokens[idx].SzDecimals)
			loaded++
		}
	}

	if perpErr != nil && spotErr != nil {
		return 0, fmt.Errorf("load hyperliquid metadata: %w", errors.Join(perpErr, spotErr))
	}
	if _, ok := reg.Lookup(chain, QuoteSymbol); !ok {
		reg.Set(chain, QuoteSymbol, quoteDecimals)
	}
	return loaded, nil
}
