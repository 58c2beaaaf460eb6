package balance

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/recomma/booksync/fixedpoint"
)

const nativeDecimals = 18

// EthClient is the subset of ethclient.Client the reader needs.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EthReader reads native balances from an Ethereum JSON-RPC endpoint.
type EthReader struct {
	client EthClient
	closer func()
	now    func() time.Time
}

func NewEthReader(client EthClient) *EthReader {
	return &EthReader{client: client, now: time.Now}
}

// DialEth connects to rpcURL.
func DialEth(ctx context.Context, rpcURL string) (*EthReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}
	r := NewEthReader(client)
	r.closer = client.Close
	return r, nil
}

func (r *EthReader) ReadBalance(ctx context.Context, key Key) (Balance, error) {
	if key.Asset != AssetNative {
		return Balance{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, key.Asset)
	}
	wei, err := r.client.BalanceAt(ctx, key.Address, nil)
	if err != nil {
		return Balance{}, err
	}
	raw := wei.String()
	return Balance{
		Address:   key.Address,
		Asset:     key.Asset,
		Raw:       raw,
		Amount:    fixedpoint.ToDecimal(raw, nativeDecimals),
		Decimals:  nativeDecimals,
		FetchedAt: r.now(),
	}, nil
}

func (r *EthReader) Close() {
	if r.closer != nil {
		r.closer()
	}
}
