// Package gas fetches the Ethereum gas price and ETH spot price from
// Etherscan and derives the USD cost of one unit of gas.
package gas

import (
	"context"
	"strconv"
	"time"
)

// GweiToEth converts gwei to ether.
const GweiToEth = 0.000000001

// Info is an immutable price snapshot. Pass it by value.
type Info struct {
	GasPrice    int64     `json:"gas_price"`     // gwei
	EthUSD      int64     `json:"eth_usd"`       // USD per ETH
	GasPriceUSD float64   `json:"gas_price_usd"` // derived
	FetchedAt   time.Time `json:"fetched_at"`
}

// Fetcher returns a fresh snapshot or an error. Implementations must not retry.
type Fetcher interface {
	Fetch(ctx context.Context) (Info, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context) (Info, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Info, error) { return f(ctx) }

// PriceUSD is gasPrice * ethUsd * 1e-9.
func PriceUSD(gasPrice, ethUSD int64) float64 {
	return float64(gasPrice) * float64(ethUSD) * GweiToEth
}

// NewInfo builds a snapshot with the derived USD price filled in.
func NewInfo(gasPrice, ethUSD int64, at time.Time) Info {
	return Info{
		GasPrice:    gasPrice,
		EthUSD:      ethUSD,
		GasPriceUSD: PriceUSD(gasPrice, ethUSD),
		FetchedAt:   at,
	}
}

// FormatUSD renders a USD amount the way replies show it: shortest exact
// decimal form followed by " $". Gas prices are fractions of a cent, so a
// fixed precision would round them to zero.
func FormatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + " $"
}
