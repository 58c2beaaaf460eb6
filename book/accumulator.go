package book

// Accumulator gathers streamed batches for one subscription. Each order id
// occupies a single slot in first-seen order; REMOVED entries stay as
// tombstones so a late, older ADDED cannot bring the order back.
type Accumulator struct {
	entries []Entry
	index   map[uint64]int
	batches int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{index: make(map[uint64]int)}
}

// Add merges a batch. An entry whose Sequence is behind the stored one for
// the same order is ignored, as is an entry without an order id.
func (a *Accumulator) Add(batch []Entry) {
	a.batches++
	for _, e := range batch {
		if e.OrderID == 0 {
			continue
		}
		i, ok := a.index[e.OrderID]
		if !ok {
			a.index[e.OrderID] = len(a.entries)
			a.entries = append(a.entries, e)
			continue
		}
		if e.Sequence < a.entries[i].Sequence {
			continue
		}
		a.entries[i] = e
	}
}

// Entries returns a copy of the accumulated entries.
func (a *Accumulator) Entries() []Entry {
	return append([]Entry(nil), a.entries...)
}

func (a *Accumulator) Len() int { return len(a.entries) }

// Batches is the number of batches merged so far.
func (a *Accumulator) Batches() int { return a.batches }

func (a *Accumulator) Reset() {
	a.entries = nil
	a.index = make(map[uint64]int)
	a.batches = 0
}
