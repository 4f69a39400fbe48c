// Package instruments holds the read-only instrument index snapshot that maps
// canonical symbols to the provider's spot, option and futures contracts.
package instruments

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// DateLayout is the expiry date format used by the index and the provider API.
const DateLayout = "2006-01-02"

// Category names a contract collection inside an index entry.
type Category string

const (
	CategorySpot   Category = "SPOT"
	CategoryOptIdx Category = "OPTIDX"
	CategoryFutIdx Category = "FUTIDX"
	CategoryOptStk Category = "OPTSTK"
	CategoryFutStk Category = "FUTSTK"
)

// IsOption reports whether the category holds option contracts.
func (c Category) IsOption() bool {
	return c == CategoryOptIdx || c == CategoryOptStk
}

// IsFuture reports whether the category holds futures contracts.
func (c Category) IsFuture() bool {
	return c == CategoryFutIdx || c == CategoryFutStk
}

// OptionType is the provider's option side marker.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// Spot describes the underlying cash or index instrument.
type Spot struct {
	InstrumentKey string `json:"instrument_key"`
	Name          string `json:"name"`
	TradingSymbol string `json:"trading_symbol"`
}

// Contract describes one option or futures contract. Strike and OptionType are
// empty for futures.
type Contract struct {
	Expiry        string     `json:"expiry"`
	InstrumentKey string     `json:"instrument_key"`
	Strike        float64    `json:"strike,omitempty"`
	OptionType    OptionType `json:"option_type,omitempty"`
	Weekly        bool       `json:"weekly"`
	Monthly       bool       `json:"monthly"`
	TradingSymbol string     `json:"trading_symbol"`
}

// Entry is the per-symbol record of the index.
type Entry struct {
	Spot   *Spot      `json:"SPOT"`
	OptIdx []Contract `json:"OPTIDX"`
	FutIdx []Contract `json:"FUTIDX"`
	OptStk []Contract `json:"OPTSTK"`
	FutStk []Contract `json:"FUTSTK"`
}

// Contracts returns the collection for a category, nil for SPOT or unknown.
func (e *Entry) Contracts(c Category) []Contract {
	if e == nil {
		return nil
	}
	switch c {
	case CategoryOptIdx:
		return e.OptIdx
	case CategoryFutIdx:
		return e.FutIdx
	case CategoryOptStk:
		return e.OptStk
	case CategoryFutStk:
		return e.FutStk
	default:
		return nil
	}
}

// IsEmpty reports whether the entry has neither a spot descriptor nor contracts.
func (e *Entry) IsEmpty() bool {
	if e == nil {
		return true
	}
	return e.Spot == nil && len(e.OptIdx) == 0 && len(e.FutIdx) == 0 &&
		len(e.OptStk) == 0 && len(e.FutStk) == 0
}

func (e *Entry) collections() map[Category]*[]Contract {
	return map[Category]*[]Contract{
		CategoryOptIdx: &e.OptIdx,
		CategoryFutIdx: &e.FutIdx,
		CategoryOptStk: &e.OptStk,
		CategoryFutStk: &e.FutStk,
	}
}

// Index is an immutable snapshot keyed by canonical symbol. Callers must not
// mutate entries returned by Lookup.
type Index struct {
	entries map[string]*Entry
}

// ErrIndexInvalid is returned when a snapshot breaks the ordering or flag invariants.
var ErrIndexInvalid = errors.New("instrument index invalid")

// NewIndex builds a snapshot from entries. Collections are sorted by
// (expiry, strike) and the invariants are validated.
func NewIndex(entries map[string]*Entry) (*Index, error) {
	idx := &Index{entries: make(map[string]*Entry, len(entries))}
	for sym, e := range entries {
		if e == nil {
			continue
		}
		cp := *e
		for _, coll := range cp.collections() {
			sorted := make([]Contract, len(*coll))
			copy(sorted, *coll)
			SortContracts(sorted)
			*coll = sorted
		}
		idx.entries[sym] = &cp
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Empty returns a snapshot with no symbols.
func Empty() *Index {
	return &Index{entries: map[string]*Entry{}}
}

// Load reads a snapshot written by the offline builder.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- index path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading instrument index: %w", err)
	}
	var raw map[string]*Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing instrument index: %w", err)
	}
	return NewIndex(raw)
}

// Lookup returns the entry for a canonical symbol.
func (i *Index) Lookup(symbol string) (*Entry, bool) {
	if i == nil {
		return nil, false
	}
	e, ok := i.entries[symbol]
	return e, ok
}

// Len returns the number of symbols in the snapshot.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.entries)
}

// Symbols returns the canonical symbols in sorted order.
func (i *Index) Symbols() []string {
	if i == nil {
		return nil
	}
	out := make([]string, 0, len(i.entries))
	for s := range i.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every collection is sorted by (expiry, strike) and that
// no contract is flagged both weekly and monthly.
func (i *Index) Validate() error {
	for sym, e := range i.entries {
		for cat, coll := range e.collections() {
			cs := *coll
			for n := range cs {
				if cs[n].Weekly && cs[n].Monthly {
					return fmt.Errorf("%w: %s %s %s flagged weekly and monthly",
						ErrIndexInvalid, sym, cat, cs[n].InstrumentKey)
				}
				if n > 0 && contractLess(cs[n], cs[n-1]) {
					return fmt.Errorf("%w: %s %s not sorted at %s",
						ErrIndexInvalid, sym, cat, cs[n].InstrumentKey)
				}
			}
		}
	}
	return nil
}

// SortContracts sorts in place by expiry then strike, keeping input order for ties.
func SortContracts(cs []Contract) {
	sort.SliceStable(cs, func(a, b int) bool { return contractLess(cs[a], cs[b]) })
}

func contractLess(a, b Contract) bool {
	if a.Expiry != b.Expiry {
		return a.Expiry < b.Expiry
	}
	return a.Strike < b.Strike
}

// MarshalJSON writes the snapshot in the on-disk format.
func (i *Index) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.entries)
}
