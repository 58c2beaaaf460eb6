package book

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/recomma/booksync/fixedpoint"
)

var hundred = decimal.NewFromInt(100)

const spreadPercentagePlaces = 8

// Book is the reconciled bid/ask view of one market. Bids are sorted by price
// descending and asks ascending; entries at the same price keep their arrival
// order.
type Book struct {
	Bids             []Entry         `json:"bids"`
	Asks             []Entry         `json:"asks"`
	Spread           decimal.Decimal `json:"spread"`
	SpreadPercentage decimal.Decimal `json:"spreadPercentage"`
	// Crossed is set when the best ask is below the best bid. Spread is
	// reported as zero in that case.
	Crossed    bool      `json:"crossed"`
	LastUpdate time.Time `json:"lastUpdate"`
	Stats      Stats     `json:"-"`
}

// Stats counts the entries that did not make it into the book.
type Stats struct {
	Input         int
	MissingID     int
	MissingSide   int
	MissingAmount int
	Malformed     int
	Negative      int
	UnknownStatus int
	Removed       int
	Superseded    int
}

// Dropped is the number of invalid entries. Removed and superseded entries
// are normal book maintenance and not counted.
func (s Stats) Dropped() int {
	return s.MissingID + s.MissingSide + s.MissingAmount + s.Malformed + s.Negative + s.UnknownStatus
}

type priced struct {
	entry Entry
	price decimal.Decimal
}

// Reconcile builds a Book from raw entries. Prices are scaled with
// quoteDecimals and quantities with baseDecimals. It never fails: invalid
// entries are dropped and counted in Book.Stats.
//
// When the same order id appears more than once the entry with the highest
// Sequence wins, later input breaking ties, and the order keeps the position
// of its first appearance.
func Reconcile(entries []Entry, quoteDecimals, baseDecimals int) *Book {
	b := &Book{
		Bids: []Entry{},
		Asks: []Entry{},
	}
	b.Stats.Input = len(entries)

	collapsed := collapse(entries, &b.Stats)

	var bids, asks []priced
	for _, e := range collapsed {
		if e.Timestamp.After(b.LastUpdate) {
			b.LastUpdate = e.Timestamp
		}

		switch {
		case e.Side != SideBid && e.Side != SideAsk:
			b.Stats.MissingSide++
			continue
		case e.Price.IsEmpty() || e.Quantity.IsEmpty():
			b.Stats.MissingAmount++
			continue
		case e.Status == StatusRemoved:
			b.Stats.Removed++
			continue
		case e.Status != StatusAdded && e.Status != StatusUpdated:
			b.Stats.UnknownStatus++
			continue
		}

		price, err := e.Price.Decimal(quoteDecimals)
		if err != nil {
			b.Stats.Malformed++
			continue
		}
		qty, err := e.Quantity.Decimal(baseDecimals)
		if err != nil {
			b.Stats.Malformed++
			continue
		}
		if price.IsNegative() || qty.IsNegative() {
			b.Stats.Negative++
			continue
		}

		out := e
		out.Price = fixedpoint.Dec(price.String())
		out.Quantity = fixedpoint.Dec(qty.String())
		if e.Side == SideBid {
			bids = append(bids, priced{entry: out, price: price})
		} else {
			asks = append(asks, priced{entry: out, price: price})
		}
	}

	sort.SliceStable(bids, func(i, j int) bool { return bids[i].price.GreaterThan(bids[j].price) })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].price.LessThan(asks[j].price) })

	for _, p := range bids {
		b.Bids = append(b.Bids, p.entry)
	}
	for _, p := range asks {
		b.Asks = append(b.Asks, p.entry)
	}

	b.Spread, b.SpreadPercentage = decimal.Zero, decimal.Zero
	if len(bids) > 0 && len(asks) > 0 {
		bestBid, bestAsk := bids[0].price, asks[0].price
		spread := bestAsk.Sub(bestBid)
		if spread.IsNegative() {
			b.Crossed = true
		} else {
			b.Spread = spread
			if bestBid.IsPositive() {
				b.SpreadPercentage = spread.Mul(hundred).DivRound(bestBid, spreadPercentagePlaces)
			}
		}
	}

	return b
}

// collapse keeps one entry per order id. Entries without an id (0) cannot be
// told apart and are dropped.
func collapse(entries []Entry, stats *Stats) []Entry {
	out := make([]Entry, 0, len(entries))
	index := make(map[uint64]int, len(entries))
	for _, e := range entries {
		if e.OrderID == 0 {
			stats.MissingID++
			continue
		}
		if i, ok := index[e.OrderID]; ok {
			stats.Superseded++
			if e.Sequence >= out[i].Sequence {
				out[i] = e
			}
			continue
		}
		index[e.OrderID] = len(out)
		out = append(out, e)
	}
	return out
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (Entry, bool) {
	if b == nil || len(b.Bids) == 0 {
		return Entry{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (Entry, bool) {
	if b == nil || len(b.Asks) == 0 {
		return Entry{}, false
	}
	return b.Asks[0], true
}

// OpenOrders lists live orders from both sides, newest first. A non-zero
// trader restricts the list to orders the address is maker or taker of.
func (b *Book) OpenOrders(trader common.Address) []Entry {
	if b == nil {
		return []Entry{}
	}
	out := make([]Entry, 0, len(b.Bids)+len(b.Asks))
	filter := trader != (common.Address{})
	for _, side := range [][]Entry{b.Bids, b.Asks} {
		for _, e := range side {
			if filter && !e.Involves(trader) {
				continue
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Clone returns a deep copy so the result can be shared as an immutable
// snapshot.
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	out := *b
	out.Bids = append(make([]Entry, 0, len(b.Bids)), b.Bids...)
	out.Asks = append(make([]Entry, 0, len(b.Asks)), b.Asks...)
	return &out
}

// Empty reports whether neither side has entries.
func (b *Book) Empty() bool {
	return b == nil || (len(b.Bids) == 0 && len(b.Asks) == 0)
}
