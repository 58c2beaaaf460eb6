// Package stream defines the upstream order/trade feed consumed by the
// orchestrator and the error taxonomy shared by its implementations.
package stream

import (
	"context"
	"errors"
	"iter"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recomma/booksync/book"
)

// Request describes one subscription to a market's order stream.
type Request struct {
	Market string
	// Trader restricts the stream to one address. Zero means all orders.
	Trader common.Address
	// Continuous keeps the stream open after the initial snapshot.
	Continuous        bool
	IncludeHistorical bool
}

// RequestFor builds the request for a cache key.
func RequestFor(key book.Key, continuous, includeHistorical bool) Request {
	return Request{
		Market:            key.Market,
		Trader:            key.Trader,
		Continuous:        continuous,
		IncludeHistorical: includeHistorical,
	}
}

// Batches yields groups of entries as the venue delivers them. A non-nil
// error ends the sequence; a one-shot stream simply ends after the
// snapshot.
type Batches = iter.Seq2[[]book.Entry, error]

// Source opens order streams. Subscribe itself may fail with a transient or
// terminal error; so may the returned sequence.
type Source interface {
	Subscribe(ctx context.Context, req Request) (Batches, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) (Batches, error)

func (f SourceFunc) Subscribe(ctx context.Context, req Request) (Batches, error) {
	return f(ctx, req)
}

// ErrTerminal marks failures that retrying cannot fix, such as an unknown
// market.
var ErrTerminal = errors.New("terminal stream error")

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() []error { return []error{e.err, ErrTerminal} }

// Terminal wraps err so IsTerminal reports true for it.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err must not be retried. Everything else is
// treated as transient.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

// FromSlice returns a one-shot sequence over pre-built batches, optionally
// failing after they are delivered.
func FromSlice(batches [][]book.Entry, tail error) Batches {
	return func(yield func([]book.Entry, error) bool) {
		for _, b := range batches {
			if !yield(b, nil) {
				return
			}
		}
		if tail != nil {
			yield(nil, tail)
		}
	}
}
