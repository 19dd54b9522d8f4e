// Package engine owns the per-asset order books, the price-time matcher and
// the match queue feeding proof generation.
package engine

import (
	"math/big"

	"github.com/veilmarket/darkpool/pkg/oracle"
)

// PrivateOrder is the matchable order body. Secret and nonce are opaque to
// the engine; they ride along for the proof witness and never appear in
// events or snapshots.
type PrivateOrder struct {
	Commitment     string
	Trader         string
	AssetAddress   string
	Side           int
	Quantity       *big.Int
	Price          *big.Int
	Secret         *big.Int
	Nonce          *big.Int
	Timestamp      int64
	Expiry         int64
	WhitelistIndex int
}

func (o *PrivateOrder) clone() PrivateOrder {
	out := *o
	out.Quantity = new(big.Int).Set(o.Quantity)
	out.Price = new(big.Int).Set(o.Price)
	if o.Secret != nil {
		out.Secret = new(big.Int).Set(o.Secret)
	}
	if o.Nonce != nil {
		out.Nonce = new(big.Int).Set(o.Nonce)
	}
	return out
}

// Match is a crossed pair. Orders are copies, not references into the book.
type Match struct {
	MatchID           string
	BuyOrder          PrivateOrder
	SellOrder         PrivateOrder
	ExecutionPrice    *big.Int
	ExecutionQuantity *big.Int
	Timestamp         int64
}

// Clone deep-copies the match so holders cannot mutate engine state.
func (m *Match) Clone() Match {
	out := *m
	out.BuyOrder = m.BuyOrder.clone()
	out.SellOrder = m.SellOrder.clone()
	out.ExecutionPrice = new(big.Int).Set(m.ExecutionPrice)
	out.ExecutionQuantity = new(big.Int).Set(m.ExecutionQuantity)
	return out
}

// BookSnapshot is the client view of one asset's book: counts plus parallel
// price/quantity arrays as decimal strings.
type BookSnapshot struct {
	Buys           int      `json:"buys"`
	Sells          int      `json:"sells"`
	BuyPrices      []string `json:"buyPrices"`
	BuyQuantities  []string `json:"buyQuantities"`
	SellPrices     []string `json:"sellPrices"`
	SellQuantities []string `json:"sellQuantities"`
}

// SubmitResult reports what one submit did.
type SubmitResult struct {
	Matched       bool
	NoMatchReason string
	Matches       []Match
	PendingProofs int
	Book          BookSnapshot
}

const (
	SideBuy  = oracle.SideBuy
	SideSell = oracle.SideSell
)
