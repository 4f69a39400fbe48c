package instruments

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DefaultSymbolMap is the allow-list of canonical symbols and the provider's
// underlying symbol for each.
var DefaultSymbolMap = map[string]string{
	"^NSEI":               "NIFTY",
	"^NSEBANK":            "BANKNIFTY",
	"NIFTY_MIDCAP_100.NS": "MIDCPNIFTY",
	"RELIANCE.NS":         "RELIANCE",
	"HDFCBANK.NS":         "HDFCBANK",
	"INFY.NS":             "INFY",
	"ITC.NS":              "ITC",
	"TCS.NS":              "TCS",
	"SBIN.NS":             "SBIN",
	"ICICIBANK.NS":        "ICICIBANK",
	"HINDUNILVR.NS":       "HINDUNILVR",
	"BHARTIARTL.NS":       "BHARTIARTL",
	"KOTAKBANK.NS":        "KOTAKBANK",
	"ASIANPAINT.NS":       "ASIANPAINT",
	"AXISBANK.NS":         "AXISBANK",
	"MARUTI.NS":           "MARUTI",
	"LT.NS":               "LT",
	"BAJFINANCE.NS":       "BAJFINANCE",
}

// IndexUnderlyings are provider underlying symbols whose derivatives are index contracts.
var IndexUnderlyings = []string{"NIFTY", "BANKNIFTY", "MIDCPNIFTY"}

// CatalogRow is one instrument of the provider's raw catalog. Only the fields
// the index needs are decoded.
type CatalogRow struct {
	Segment          string  `json:"segment"`
	Name             string  `json:"name"`
	InstrumentType   string  `json:"instrument_type"`
	InstrumentKey    string  `json:"instrument_key"`
	TradingSymbol    string  `json:"trading_symbol"`
	UnderlyingSymbol string  `json:"underlying_symbol"`
	AssetSymbol      string  `json:"asset_symbol"`
	Expiry           int64   `json:"expiry"` // epoch milliseconds
	StrikePrice      float64 `json:"strike_price"`
	Weekly           *bool   `json:"weekly"`
}

// BuildOptions configures a catalog pass.
type BuildOptions struct {
	SymbolMap        map[string]string
	IndexUnderlyings []string
	Location         *time.Location
	// OnProgress, when set, is called after every row with the running count.
	OnProgress func(rows int)
}

// BuildStats summarizes a catalog pass.
type BuildStats struct {
	Rows    int
	Matched int
	Symbols int
}

// Build streams a JSON array of catalog rows and keeps only rows belonging to
// the allow-listed symbols. The whole catalog is never held in memory.
func Build(r io.Reader, opts BuildOptions) (*Index, BuildStats, error) {
	var stats BuildStats
	symbolMap := opts.SymbolMap
	if len(symbolMap) == 0 {
		symbolMap = DefaultSymbolMap
	}
	indexUnderlyings := opts.IndexUnderlyings
	if len(indexUnderlyings) == 0 {
		indexUnderlyings = IndexUnderlyings
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	toCanonical := make(map[string]string, len(symbolMap))
	entries := make(map[string]*Entry, len(symbolMap))
	for canon, provider := range symbolMap {
		toCanonical[provider] = canon
		entries[canon] = &Entry{
			OptIdx: []Contract{}, FutIdx: []Contract{},
			OptStk: []Contract{}, FutStk: []Contract{},
		}
	}
	isIndexUnderlying := make(map[string]bool, len(indexUnderlyings))
	for _, u := range indexUnderlyings {
		isIndexUnderlying[u] = true
	}

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, stats, fmt.Errorf("reading catalog: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, stats, fmt.Errorf("reading catalog: expected JSON array, got %v", tok)
	}

	for dec.More() {
		var row CatalogRow
		if err := dec.Decode(&row); err != nil {
			return nil, stats, fmt.Errorf("decoding catalog row %d: %w", stats.Rows+1, err)
		}
		stats.Rows++
		if opts.OnProgress != nil {
			opts.OnProgress(stats.Rows)
		}

		canon := toCanonical[row.UnderlyingSymbol]
		if canon == "" {
			canon = toCanonical[row.AssetSymbol]
		}
		if canon == "" {
			canon = toCanonical[row.TradingSymbol]
		}
		if canon == "" {
			continue
		}
		if addRow(entries[canon], row, symbolMap[canon], isIndexUnderlying, loc) {
			stats.Matched++
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, stats, fmt.Errorf("reading catalog end: %w", err)
	}

	for canon, e := range entries {
		if e.IsEmpty() {
			delete(entries, canon)
		}
	}
	stats.Symbols = len(entries)

	idx, err := NewIndex(entries)
	if err != nil {
		return nil, stats, err
	}
	return idx, stats, nil
}

func addRow(e *Entry, row CatalogRow, target string, isIndexUnderlying map[string]bool, loc *time.Location) bool {
	switch {
	case (row.Segment == "NSE_INDEX" || row.Segment == "NSE_EQ") &&
		(row.InstrumentType == "INDEX" || row.InstrumentType == "EQ"):
		// Prefer the primary listing whose trading symbol equals the provider symbol.
		if row.TradingSymbol == target || e.Spot == nil {
			e.Spot = &Spot{
				InstrumentKey: row.InstrumentKey,
				Name:          row.Name,
				TradingSymbol: row.TradingSymbol,
			}
		}
		return true

	case row.Segment == "NSE_FO":
		if row.Expiry == 0 {
			return false
		}
		underlying := row.UnderlyingSymbol
		if underlying == "" {
			underlying = row.AssetSymbol
		}
		isIndex := isIndexUnderlying[underlying]

		c := Contract{
			Expiry:        time.UnixMilli(row.Expiry).In(loc).Format(DateLayout),
			InstrumentKey: row.InstrumentKey,
			TradingSymbol: row.TradingSymbol,
			Weekly:        row.Weekly != nil && *row.Weekly,
			Monthly:       row.Weekly != nil && !*row.Weekly,
		}
		switch row.InstrumentType {
		case "FUT":
			if isIndex {
				e.FutIdx = append(e.FutIdx, c)
			} else {
				e.FutStk = append(e.FutStk, c)
			}
		case string(OptionTypeCall), string(OptionTypePut):
			c.Strike = row.StrikePrice
			c.OptionType = OptionType(row.InstrumentType)
			if isIndex {
				e.OptIdx = append(e.OptIdx, c)
			} else {
				e.OptStk = append(e.OptStk, c)
			}
		default:
			return false
		}
		return true
	}
	return false
}

// OpenCatalog opens a raw catalog file, transparently decompressing .gz and
// .zst files.
func OpenCatalog(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) // #nosec G304 -- catalog path is an operator-supplied CLI argument
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("opening gzip catalog: %w", err)
		}
		return &stackedCloser{Reader: zr, closers: []func() error{zr.Close, f.Close}}, nil
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("opening zstd catalog: %w", err)
		}
		return &stackedCloser{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			f.Close,
		}}, nil
	default:
		return f, nil
	}
}

type stackedCloser struct {
	io.Reader
	closers []func() error
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WriteFile writes the snapshot atomically via a temp file and rename.
func WriteFile(idx *Index, path string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding instrument index: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing instrument index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing instrument index: %w", err)
	}
	return nil
}
