package book

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recomma/booksync/fixedpoint"
)

type Side uint8

const (
	SideUnknown Side = iota
	SideBid
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "BID"
	case SideAsk:
		return "ASK"
	default:
		return "UNKNOWN"
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSide accepts the spellings venues commonly use for each side.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BID", "BUY", "B":
		return SideBid, nil
	case "ASK", "SELL", "A", "S":
		return SideAsk, nil
	case "", "UNKNOWN":
		return SideUnknown, nil
	default:
		return SideUnknown, fmt.Errorf("unknown side %q", v)
	}
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusAdded
	StatusUpdated
	// StatusRemoved marks a cancelled or fully filled order. A zero quantity
	// with this status is a cancellation, not a fill.
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusAdded:
		return "ADDED"
	case StatusUpdated:
		return "UPDATED"
	case StatusRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "ADDED":
		*s = StatusAdded
	case "UPDATED":
		*s = StatusUpdated
	case "REMOVED":
		*s = StatusRemoved
	case "", "UNKNOWN":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// Entry is one resting order as delivered by a venue stream.
type Entry struct {
	OrderID   uint64            `json:"orderId"`
	Side      Side              `json:"side"`
	Price     fixedpoint.Amount `json:"price"`
	Quantity  fixedpoint.Amount `json:"quantity"`
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Maker     common.Address    `json:"makerAddress"`
	Taker     common.Address    `json:"takerAddress"`
	// Sequence is the venue's monotonic update number, 0 when unknown.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Involves reports whether addr is the maker or the taker of the order.
func (e Entry) Involves(addr common.Address) bool {
	return e.Maker == addr || e.Taker == addr
}

// Key identifies one cached view: a market plus an optional trader filter.
// The zero Trader means no filter.
type Key struct {
	Market string
	Trader common.Address
}

// NewKey normalizes the market identifier and parses the optional trader.
func NewKey(market, trader string) (Key, error) {
	market = strings.TrimSpace(market)
	if market == "" {
		return Key{}, fmt.Errorf("market is required")
	}
	k := Key{Market: strings.ToUpper(market)}
	trader = strings.TrimSpace(trader)
	if trader == "" {
		return k, nil
	}
	if !common.IsHexAddress(trader) {
		return Key{}, fmt.Errorf("invalid trader address %q", trader)
	}
	k.Trader = common.HexToAddress(trader)
	return k, nil
}

func (k Key) Filtered() bool { return k.Trader != (common.Address{}) }

func (k Key) String() string {
	if !k.Filtered() {
		return k.Market
	}
	return k.Market + "@" + strings.ToLower(k.Trader.Hex())
}
