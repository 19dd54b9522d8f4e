package engine

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/events"
)

const testAsset = "CDLZFC3SYJYDZT7K67VZ75HPJVIEUVNIXF47ZG2FB2RMQQVU2HHGCYSC"

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Sleep(time.Duration)     {}
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine() (*Engine, *events.Bus, *fakeClock) {
	bus := events.NewBus()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	return New(bus, clock, zap.NewNop().Sugar()), bus, clock
}

func order(trader string, side int, qty, price int64) PrivateOrder {
	return PrivateOrder{
		Commitment:   "c-" + trader,
		Trader:       trader,
		AssetAddress: testAsset,
		Side:         side,
		Quantity:     big.NewInt(qty),
		Price:        big.NewInt(price),
		Secret:       big.NewInt(1),
		Nonce:        big.NewInt(2),
	}
}

func TestExactMatchMidpointPrice(t *testing.T) {
	e, _, clock := newTestEngine()

	res, err := e.Submit(order("GBUY", SideBuy, 100, 50))
	require.NoError(t, err)
	assert.False(t, res.Matched)

	clock.advance(time.Millisecond)
	res, err = e.Submit(order("GSELL", SideSell, 100, 48))
	require.NoError(t, err)

	require.True(t, res.Matched)
	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, "49", m.ExecutionPrice.String())
	assert.Equal(t, "100", m.ExecutionQuantity.String())
	assert.Equal(t, "GBUY", m.BuyOrder.Trader)
	assert.Equal(t, "GSELL", m.SellOrder.Trader)

	// Both orders left the book.
	snap := e.BookSnapshot(testAsset)
	assert.Zero(t, snap.Buys)
	assert.Zero(t, snap.Sells)
	assert.Equal(t, 1, e.PendingMatches())
}

func TestQuantityMismatchNoCross(t *testing.T) {
	e, _, clock := newTestEngine()

	_, err := e.Submit(order("GBUY", SideBuy, 100, 60))
	require.NoError(t, err)

	clock.advance(time.Millisecond)
	res, err := e.Submit(order("GSELL", SideSell, 50, 50))
	require.NoError(t, err)

	assert.False(t, res.Matched)
	assert.Zero(t, res.PendingProofs)
	assert.Contains(t, res.NoMatchReason, "buy")
	assert.Contains(t, res.NoMatchReason, "qty=100")
	assert.Contains(t, res.NoMatchReason, "price=60")

	snap := e.BookSnapshot(testAsset)
	assert.Equal(t, 1, snap.Buys)
	assert.Equal(t, 1, snap.Sells)
}

func TestPriceTimePriority(t *testing.T) {
	e, _, clock := newTestEngine()

	_, err := e.Submit(order("GA", SideBuy, 10, 50))
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	_, err = e.Submit(order("GB", SideBuy, 10, 60))
	require.NoError(t, err)
	clock.advance(time.Millisecond)

	res, err := e.Submit(order("GS", SideSell, 10, 50))
	require.NoError(t, err)

	require.True(t, res.Matched)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "GB", res.Matches[0].BuyOrder.Trader)
	assert.Equal(t, "55", res.Matches[0].ExecutionPrice.String())

	// GA remains in the book.
	snap := e.BookSnapshot(testAsset)
	assert.Equal(t, 1, snap.Buys)
	assert.Equal(t, []string{"50"}, snap.BuyPrices)
}

func TestTimeBreaksPriceTies(t *testing.T) {
	e, _, clock := newTestEngine()

	_, err := e.Submit(order("GEARLY", SideBuy, 10, 50))
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	_, err = e.Submit(order("GLATE", SideBuy, 10, 50))
	require.NoError(t, err)
	clock.advance(time.Millisecond)

	res, err := e.Submit(order("GS", SideSell, 10, 40))
	require.NoError(t, err)

	require.True(t, res.Matched)
	assert.Equal(t, "GEARLY", res.Matches[0].BuyOrder.Trader)
}

func TestSelfTradeAllowed(t *testing.T) {
	e, _, clock := newTestEngine()

	_, err := e.Submit(order("GSAME", SideBuy, 10, 50))
	require.NoError(t, err)
	clock.advance(time.Millisecond)

	res, err := e.Submit(order("GSAME", SideSell, 10, 50))
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, res.Matches[0].BuyOrder.Trader, res.Matches[0].SellOrder.Trader)
}

func TestDuplicateCommitmentIsIndependentOrder(t *testing.T) {
	e, _, clock := newTestEngine()

	o := order("GBUY", SideBuy, 10, 50)
	_, err := e.Submit(o)
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	_, err = e.Submit(o)
	require.NoError(t, err)

	snap := e.BookSnapshot(testAsset)
	assert.Equal(t, 2, snap.Buys)
}

func TestExpiredIncomingOrderRestsWithoutPass(t *testing.T) {
	e, _, clock := newTestEngine()

	_, err := e.Submit(order("GSELL", SideSell, 10, 40))
	require.NoError(t, err)
	clock.advance(time.Millisecond)

	expired := order("GBUY", SideBuy, 10, 50)
	expired.Expiry = clock.Now().UnixMilli() - 1000
	res, err := e.Submit(expired)
	require.NoError(t, err)

	assert.False(t, res.Matched)
	assert.Contains(t, res.NoMatchReason, "expired")
	snap := e.BookSnapshot(testAsset)
	assert.Equal(t, 1, snap.Buys)
	assert.Equal(t, 1, snap.Sells)
}

func TestExpiredRestingOrderStillCrosses(t *testing.T) {
	e, _, clock := newTestEngine()

	// Rests expired, no pass on arrival.
	expired := order("GBUY", SideBuy, 10, 50)
	expired.Expiry = clock.Now().UnixMilli() - 1000
	_, err := e.Submit(expired)
	require.NoError(t, err)
	clock.advance(time.Millisecond)

	// A fresh counterparty sweeps the whole book, expired entries included.
	res, err := e.Submit(order("GSELL", SideSell, 10, 40))
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, "GBUY", res.Matches[0].BuyOrder.Trader)
}

func TestBookStaysUncrossedForEqualQuantities(t *testing.T) {
	e, _, clock := newTestEngine()

	submits := []PrivateOrder{
		order("G1", SideBuy, 10, 55),
		order("G2", SideBuy, 10, 52),
		order("G3", SideSell, 10, 53),
		order("G4", SideSell, 10, 51),
		order("G5", SideBuy, 10, 49),
		order("G6", SideSell, 10, 60),
	}
	for _, o := range submits {
		_, err := e.Submit(o)
		require.NoError(t, err)
		clock.advance(time.Millisecond)
	}

	// Every produced match is well-formed.
	seen := map[string]bool{}
	for _, m := range e.Completed() {
		assert.Equal(t, SideBuy, m.BuyOrder.Side)
		assert.Equal(t, SideSell, m.SellOrder.Side)
		assert.Equal(t, m.BuyOrder.AssetAddress, m.SellOrder.AssetAddress)
		assert.True(t, m.BuyOrder.Price.Cmp(m.SellOrder.Price) >= 0)
		assert.Zero(t, m.BuyOrder.Quantity.Cmp(m.SellOrder.Quantity))

		mid := new(big.Int).Add(m.BuyOrder.Price, m.SellOrder.Price)
		mid.Rsh(mid, 1)
		assert.Zero(t, m.ExecutionPrice.Cmp(mid))

		// Consumed-set invariant: no order appears twice.
		for _, c := range []string{m.BuyOrder.Commitment, m.SellOrder.Commitment} {
			assert.False(t, seen[c], "order %s matched twice", c)
			seen[c] = true
		}
	}

	// Remaining book is uncrossed: best buy strictly below best sell.
	snap := e.BookSnapshot(testAsset)
	if snap.Buys > 0 && snap.Sells > 0 {
		bestBuy := new(big.Int)
		for _, p := range snap.BuyPrices {
			v, ok := new(big.Int).SetString(p, 10)
			require.True(t, ok)
			if v.Cmp(bestBuy) > 0 {
				bestBuy = v
			}
		}
		bestSell := (*big.Int)(nil)
		for _, p := range snap.SellPrices {
			v, ok := new(big.Int).SetString(p, 10)
			require.True(t, ok)
			if bestSell == nil || v.Cmp(bestSell) < 0 {
				bestSell = v
			}
		}
		assert.True(t, bestBuy.Cmp(bestSell) < 0,
			"book crossed: best buy %s >= best sell %s", bestBuy, bestSell)
	}
}

func TestLargeValuesSurviveSnapshot(t *testing.T) {
	e, _, _ := newTestEngine()

	huge := new(big.Int).Lsh(big.NewInt(1), 100) // 2^100 stroops
	o := order("GBIG", SideBuy, 1, 1)
	o.Quantity = new(big.Int).Set(huge)
	o.Price = new(big.Int).Set(huge)
	_, err := e.Submit(o)
	require.NoError(t, err)

	snap := e.BookSnapshot(testAsset)
	require.Equal(t, 1, snap.Buys)
	assert.Equal(t, huge.String(), snap.BuyPrices[0])
	assert.Equal(t, huge.String(), snap.BuyQuantities[0])
}

func TestSubmitValidation(t *testing.T) {
	e, _, _ := newTestEngine()

	bad := order("G", SideBuy, 0, 50)
	_, err := e.Submit(bad)
	require.Error(t, err)

	bad = order("G", SideBuy, 10, 0)
	_, err = e.Submit(bad)
	require.Error(t, err)

	bad = order("G", 3, 10, 50)
	_, err = e.Submit(bad)
	require.Error(t, err)

	bad = order("G", SideBuy, 10, 50)
	bad.AssetAddress = ""
	_, err = e.Submit(bad)
	require.Error(t, err)
}

func TestDrainQueueEmptiesPending(t *testing.T) {
	e, _, clock := newTestEngine()

	_, err := e.Submit(order("GBUY", SideBuy, 10, 50))
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	_, err = e.Submit(order("GSELL", SideSell, 10, 50))
	require.NoError(t, err)

	require.Equal(t, 1, e.PendingMatches())
	drained := e.DrainQueue()
	require.Len(t, drained, 1)
	assert.Zero(t, e.PendingMatches())
	assert.Empty(t, e.DrainQueue())

	// The completed log is unaffected by draining.
	assert.Len(t, e.Completed(), 1)
	got, ok := e.ByMatchID(drained[0].MatchID)
	require.True(t, ok)
	assert.Equal(t, drained[0].MatchID, got.MatchID)
}

func TestSubmitEmitsEventsInOrder(t *testing.T) {
	e, bus, clock := newTestEngine()

	var topics []events.Topic
	var matched events.OrderMatched
	bus.SubscribeAll(func(ev events.Event) {
		topics = append(topics, ev.Topic())
		if m, ok := ev.(events.OrderMatched); ok {
			matched = m
		}
	})

	_, err := e.Submit(order("GBUY", SideBuy, 100, 50))
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	_, err = e.Submit(order("GSELL", SideSell, 100, 48))
	require.NoError(t, err)

	assert.Equal(t, []events.Topic{
		events.TopicOrderSubmitted,
		events.TopicOrderSubmitted,
		events.TopicOrderMatched,
	}, topics)
	assert.Equal(t, "GBUY", matched.Buyer)
	assert.Equal(t, "GSELL", matched.Seller)
	assert.Equal(t, "49", matched.Price)
	assert.Len(t, matched.MatchID, 64)
}

func TestMatchesAreCopies(t *testing.T) {
	e, _, clock := newTestEngine()

	_, err := e.Submit(order("GBUY", SideBuy, 10, 50))
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	res, err := e.Submit(order("GSELL", SideSell, 10, 50))
	require.NoError(t, err)

	// Mutating the returned match must not affect the completed log.
	res.Matches[0].ExecutionPrice.SetInt64(999)
	kept, ok := e.ByMatchID(res.Matches[0].MatchID)
	require.True(t, ok)
	assert.Equal(t, "50", kept.ExecutionPrice.String())
}
