package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/errs"
	"github.com/veilmarket/darkpool/pkg/events"
	"github.com/veilmarket/darkpool/pkg/util"
)

// defaultExpiry is applied when an order arrives without one.
const defaultExpiry = 24 * time.Hour

// queueHighWater triggers a warning when the un-drained match queue grows
// past it. Matches are never dropped.
const queueHighWater = 1024

type book struct {
	buys  []*PrivateOrder
	sells []*PrivateOrder
}

// Engine is safe for concurrent use. One mutex covers the books, the match
// queue and the completed log; match events are emitted inside the critical
// section so per-match ordering survives concurrent submits.
type Engine struct {
	mu        sync.Mutex
	books     map[string]*book
	queue     []Match
	completed []Match
	byID      map[string]int

	bus   *events.Bus
	clock util.Clock
	log   *zap.SugaredLogger
}

func New(bus *events.Bus, clock util.Clock, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		books: make(map[string]*book),
		byID:  make(map[string]int),
		bus:   bus,
		clock: clock,
		log:   logger,
	}
}

// Submit inserts the order into its book and runs a match pass for the
// asset. An order that is already expired on arrival rests in the book but
// does not trigger a pass; resting orders are never re-checked, so later
// passes may still cross them.
func (e *Engine) Submit(order PrivateOrder) (*SubmitResult, error) {
	if order.Quantity == nil || order.Quantity.Sign() <= 0 {
		return nil, errs.E(errs.Validation, "quantity must be positive")
	}
	if order.Price == nil || order.Price.Sign() <= 0 {
		return nil, errs.E(errs.Validation, "price must be positive")
	}
	if order.Side != SideBuy && order.Side != SideSell {
		return nil, errs.Ef(errs.Validation, "side must be 0 or 1, got %d", order.Side)
	}
	if order.AssetAddress == "" {
		return nil, errs.E(errs.Validation, "asset address is required")
	}

	now := e.clock.Now().UnixMilli()
	order.Timestamp = now
	if order.Expiry == 0 {
		order.Expiry = now + defaultExpiry.Milliseconds()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.books[order.AssetAddress]
	if b == nil {
		b = &book{}
		e.books[order.AssetAddress] = b
	}
	stored := order.clone()
	if order.Side == SideBuy {
		b.buys = append(b.buys, &stored)
	} else {
		b.sells = append(b.sells, &stored)
	}

	e.bus.Emit(events.OrderSubmitted{
		Commitment: order.Commitment,
		Trader:     order.Trader,
		Asset:      order.AssetAddress,
		Side:       order.Side,
		Timestamp:  now,
	})

	res := &SubmitResult{}
	if order.Expiry < now {
		res.NoMatchReason = "order is already expired; resting without a match pass"
	} else {
		matches := e.matchPassLocked(order.AssetAddress, now)
		if len(matches) > 0 {
			res.Matched = true
			res.Matches = matches
		} else {
			res.NoMatchReason = e.noMatchReasonLocked(b, order.Side, order.Quantity)
		}
	}

	res.PendingProofs = len(e.queue)
	res.Book = snapshotLocked(b)

	e.log.Infow("order_submitted",
		"trader", order.Trader,
		"asset", order.AssetAddress,
		"side", order.Side,
		"matched", res.Matched,
		"book_buys", res.Book.Buys,
		"book_sells", res.Book.Sells,
	)
	return res, nil
}

// matchPassLocked runs the crossing scan for one asset. Caller holds e.mu.
func (e *Engine) matchPassLocked(asset string, now int64) []Match {
	b := e.books[asset]
	if b == nil || len(b.buys) == 0 || len(b.sells) == 0 {
		return nil
	}

	buys := append([]*PrivateOrder(nil), b.buys...)
	sells := append([]*PrivateOrder(nil), b.sells...)
	sort.SliceStable(buys, func(i, j int) bool {
		if c := buys[i].Price.Cmp(buys[j].Price); c != 0 {
			return c > 0
		}
		return buys[i].Timestamp < buys[j].Timestamp
	})
	sort.SliceStable(sells, func(i, j int) bool {
		if c := sells[i].Price.Cmp(sells[j].Price); c != 0 {
			return c < 0
		}
		return sells[i].Timestamp < sells[j].Timestamp
	})

	consumedBuys := make(map[*PrivateOrder]bool)
	consumedSells := make(map[*PrivateOrder]bool)
	var matches []Match

	for _, buy := range buys {
		if consumedBuys[buy] {
			continue
		}
		for _, sell := range sells {
			if consumedSells[sell] {
				continue
			}
			if buy.Price.Cmp(sell.Price) < 0 {
				continue
			}
			if buy.Quantity.Cmp(sell.Quantity) != 0 {
				continue
			}

			m := e.recordMatchLocked(buy, sell, now)
			matches = append(matches, m)
			consumedBuys[buy] = true
			consumedSells[sell] = true
			break
		}
	}

	if len(matches) == 0 {
		return nil
	}

	b.buys = removeConsumed(b.buys, consumedBuys)
	b.sells = removeConsumed(b.sells, consumedSells)
	return matches
}

func (e *Engine) recordMatchLocked(buy, sell *PrivateOrder, now int64) Match {
	// Midpoint with integer floor: both sides get equal price improvement.
	exec := new(big.Int).Add(buy.Price, sell.Price)
	exec.Rsh(exec, 1)

	m := Match{
		MatchID:           newMatchID(),
		BuyOrder:          buy.clone(),
		SellOrder:         sell.clone(),
		ExecutionPrice:    exec,
		ExecutionQuantity: new(big.Int).Set(buy.Quantity),
		Timestamp:         now,
	}

	e.queue = append(e.queue, m.Clone())
	if len(e.queue) > queueHighWater {
		e.log.Warnw("match_queue_backlog", "pending", len(e.queue))
	}
	e.byID[m.MatchID] = len(e.completed)
	e.completed = append(e.completed, m.Clone())

	e.bus.Emit(events.OrderMatched{
		MatchID:   m.MatchID,
		Asset:     buy.AssetAddress,
		Buyer:     buy.Trader,
		Seller:    sell.Trader,
		Quantity:  m.ExecutionQuantity.String(),
		Price:     m.ExecutionPrice.String(),
		Timestamp: now,
	})
	e.log.Infow("order_matched",
		"match_id", m.MatchID,
		"asset", buy.AssetAddress,
		"buyer", buy.Trader,
		"seller", sell.Trader,
		"quantity", m.ExecutionQuantity.String(),
		"price", m.ExecutionPrice.String(),
	)
	return m
}

func (e *Engine) noMatchReasonLocked(b *book, side int, quantity *big.Int) string {
	var counter []*PrivateOrder
	var label string
	if side == SideBuy {
		counter, label = b.sells, "sell"
	} else {
		counter, label = b.buys, "buy"
	}
	if len(counter) == 0 {
		return fmt.Sprintf("no resting %s orders", label)
	}

	descs := make([]string, len(counter))
	for i, o := range counter {
		descs[i] = fmt.Sprintf("qty=%s @ price=%s", o.Quantity.String(), o.Price.String())
	}
	return fmt.Sprintf("no exact-quantity cross for qty=%s; resting %s orders: %s",
		quantity.String(), label, strings.Join(descs, ", "))
}

// BookSnapshot copies the current book for one asset.
func (e *Engine) BookSnapshot(asset string) BookSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.books[asset]
	if b == nil {
		return BookSnapshot{
			BuyPrices: []string{}, BuyQuantities: []string{},
			SellPrices: []string{}, SellQuantities: []string{},
		}
	}
	return snapshotLocked(b)
}

// Completed returns copies of every match ever produced, oldest first.
func (e *Engine) Completed() []Match {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Match, len(e.completed))
	for i := range e.completed {
		out[i] = e.completed[i].Clone()
	}
	return out
}

// ByMatchID looks up one completed match.
func (e *Engine) ByMatchID(id string) (Match, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.byID[id]
	if !ok {
		return Match{}, false
	}
	return e.completed[i].Clone(), true
}

// DrainQueue removes and returns every match awaiting proof generation.
func (e *Engine) DrainQueue() []Match {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.queue
	e.queue = nil
	return out
}

// PendingMatches reports the queue depth without draining.
func (e *Engine) PendingMatches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Assets lists every asset with a book, sorted.
func (e *Engine) Assets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.books))
	for asset := range e.books {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

func snapshotLocked(b *book) BookSnapshot {
	snap := BookSnapshot{
		Buys:           len(b.buys),
		Sells:          len(b.sells),
		BuyPrices:      make([]string, len(b.buys)),
		BuyQuantities:  make([]string, len(b.buys)),
		SellPrices:     make([]string, len(b.sells)),
		SellQuantities: make([]string, len(b.sells)),
	}
	for i, o := range b.buys {
		snap.BuyPrices[i] = o.Price.String()
		snap.BuyQuantities[i] = o.Quantity.String()
	}
	for i, o := range b.sells {
		snap.SellPrices[i] = o.Price.String()
		snap.SellQuantities[i] = o.Quantity.String()
	}
	return snap
}

func removeConsumed(orders []*PrivateOrder, consumed map[*PrivateOrder]bool) []*PrivateOrder {
	if len(consumed) == 0 {
		return orders
	}
	out := orders[:0]
	for _, o := range orders {
		if !consumed[o] {
			out = append(out, o)
		}
	}
	return out
}

// newMatchID draws a 256-bit random id, lowercase hex.
func newMatchID() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}
