package instruments

import "strings"

// ExchangeSuffix is appended to bare equity tickers.
const ExchangeSuffix = ".NS"

// Display names of the tracked indices and their canonical index keys.
var namedIndices = map[string]string{
	"Nifty 50":         "^NSEI",
	"Bank Nifty":       "^NSEBANK",
	"Nifty Midcap 100": "NIFTY_MIDCAP_100.NS",
}

// indexSymbols are the canonical keys that carry OPTIDX/FUTIDX contracts.
var indexSymbols = map[string]bool{
	"^NSEI":               true,
	"^NSEBANK":            true,
	"NIFTY_MIDCAP_100.NS": true,
}

// NormalizeSymbol maps a display name or ticker to its canonical index key.
func NormalizeSymbol(symbol string) string {
	if canon, ok := namedIndices[symbol]; ok {
		return canon
	}
	if strings.HasPrefix(symbol, "^") || strings.HasSuffix(symbol, ExchangeSuffix) {
		return symbol
	}
	return symbol + ExchangeSuffix
}

// BareTicker strips the exchange suffix, e.g. "TCS.NS" -> "TCS".
func BareTicker(symbol string) string {
	return strings.TrimSuffix(symbol, ExchangeSuffix)
}

// IsIndex reports whether the symbol names an index rather than a stock.
func IsIndex(symbol string) bool {
	if indexSymbols[NormalizeSymbol(symbol)] {
		return true
	}
	return strings.Contains(strings.ToUpper(symbol), "NIFTY")
}

// OptionCategory returns OPTIDX for indices and OPTSTK for stocks.
func OptionCategory(symbol string) Category {
	if IsIndex(symbol) {
		return CategoryOptIdx
	}
	return CategoryOptStk
}

// FutureCategory returns FUTIDX for indices and FUTSTK for stocks.
func FutureCategory(symbol string) Category {
	if IsIndex(symbol) {
		return CategoryFutIdx
	}
	return CategoryFutStk
}

// Resolve finds the index entry for a symbol, trying the normalized key first
// and then the raw symbol as given.
func (i *Index) Resolve(symbol string) (string, *Entry, bool) {
	canon := NormalizeSymbol(symbol)
	if e, ok := i.Lookup(canon); ok {
		return canon, e, true
	}
	if e, ok := i.Lookup(symbol); ok {
		return symbol, e, true
	}
	return canon, nil, false
}

// KeyVariants returns an instrument key followed by its alternate-separator
// forms. The provider accepts "SEG|id" but may echo "SEG:id" in responses.
func KeyVariants(key string) []string {
	out := []string{key}
	for _, v := range []string{
		strings.ReplaceAll(key, "|", ":"),
		strings.ReplaceAll(key, ":", "|"),
	} {
		if v != key && (len(out) < 2 || out[1] != v) {
			out = append(out, v)
		}
	}
	return out
}
