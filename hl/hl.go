// Package hl adapts Hyperliquid's websocket order updates and asset
// metadata to the book sync pipeline.
package hl

import (
	"context"
	"strings"

	"github.com/sonirico/go-hyperliquid"
)

// ClientConfig is all the caller needs to supply.
type ClientConfig struct {
	BaseURL string
}

// URL returns the configured API URL, defaulting to testnet so mainnet is
// always an explicit choice.
func (c ClientConfig) URL() string {
	if u := strings.TrimSpace(c.BaseURL); u != "" {
		return u
	}
	return hyperliquid.TestnetAPIURL
}

// NewInfo builds an Info client for metadata discovery.
func NewInfo(ctx context.Context, config ClientConfig) *hyperliquid.Info {
	return hyperliquid.NewInfo(ctx, config.URL(), false, nil, nil)
}

func normalizeCoin(coin string) string {
	return strings.ToUpper(strings.TrimSpace(coin))
}
