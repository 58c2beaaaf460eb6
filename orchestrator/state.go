package orchestrator

import (
	"time"

	"github.com/recomma/booksync/book"
)

// Phase is the position of a subscription in its fetch lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseRetrying
	PhaseSettled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseRetrying:
		return "retrying"
	case PhaseSettled:
		return "settled"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is a snapshot of one subscription. Book and OpenOrders are shared
// with other readers and must not be modified.
type State struct {
	Key   book.Key
	Phase Phase

	Book       *book.Book
	OpenOrders []book.Entry

	// Loading is set while an attempt runs after a previous successful load
	// and before the attempt delivered data.
	Loading bool
	// InitialLoading is set until the first success or terminal failure.
	InitialLoading bool
	// Err is the last failure. It is cleared by the next success.
	Err error

	RetryCount  int
	LastFetchAt time.Time
	LastUpdate  time.Time
	// Sequence is the attempt that produced Book.
	Sequence uint64

	version uint64
}

// Terminal reports whether the subscription stopped retrying on its own.
func (s State) Terminal() bool { return s.Phase == PhaseFailed }

// ErrorMessage returns Err as text, or "" when there is none.
func (s State) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
