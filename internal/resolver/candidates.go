package resolver

import (
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/fno_scope/internal/instruments"
)

// Generator proposes zero or more instrument keys for a request.
type Generator struct {
	Name     string
	Generate func(req Request) []string
}

// Chain is an ordered list of generators. Callers try its candidates in order
// until one fetch succeeds.
type Chain []Generator

// Candidates runs every generator and returns the distinct keys in order.
func (c Chain) Candidates(req Request) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range c {
		for _, k := range g.Generate(req) {
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// SpotChain yields keys for a spot quote: the index entry, the named-index
// table, then a constructed equity key.
func (r *Resolver) SpotChain() Chain {
	return Chain{
		r.indexLookup(),
		namedIndexKey(),
		equityKey(),
	}
}

// QuoteChain extends SpotChain with alternate spellings the provider uses for
// some broad-market indices.
func (r *Resolver) QuoteChain() Chain {
	return append(r.SpotChain(), indexSpellings())
}

// UnderlyingChain yields keys for an option-chain underlying. Named indices
// take precedence over the index entry.
func (r *Resolver) UnderlyingChain() Chain {
	return Chain{
		namedIndexKey(),
		r.indexLookup(),
		separatorVariants(r.indexLookup()),
		equityKey(),
	}
}

// FuturesChain yields keys for a futures quote: the index contract, its
// separator variant, then the constructed NSE_FO trading-symbol key.
func (r *Resolver) FuturesChain() Chain {
	return Chain{
		r.indexLookup(),
		separatorVariants(r.indexLookup()),
		constructedFuture(),
	}
}

func (r *Resolver) indexLookup() Generator {
	return Generator{
		Name: "index",
		Generate: func(req Request) []string {
			key, err := r.Resolve(req)
			if err != nil {
				return nil
			}
			return []string{key}
		},
	}
}

func separatorVariants(g Generator) Generator {
	return Generator{
		Name: g.Name + "-separator",
		Generate: func(req Request) []string {
			var out []string
			for _, k := range g.Generate(req) {
				out = append(out, instruments.KeyVariants(k)[1:]...)
			}
			return out
		},
	}
}

func namedIndexKey() Generator {
	return Generator{
		Name: "named-index",
		Generate: func(req Request) []string {
			if k := NamedIndexKey(req.Symbol); k != "" {
				return []string{k}
			}
			return nil
		},
	}
}

func equityKey() Generator {
	return Generator{
		Name: "equity",
		Generate: func(req Request) []string {
			if strings.HasPrefix(req.Symbol, "^") || instruments.IsIndex(req.Symbol) {
				return nil
			}
			return []string{"NSE_EQ|" + instruments.BareTicker(req.Symbol)}
		},
	}
}

func indexSpellings() Generator {
	return Generator{
		Name: "index-spellings",
		Generate: func(req Request) []string {
			upper := strings.ToUpper(req.Symbol)
			switch {
			case strings.Contains(upper, "SMALLCAP"):
				return []string{
					"NSE_INDEX|Nifty Smallcap 100",
					"NSE_INDEX|NIFTY SMALLCAP 100",
					"NSE_INDEX|Nifty Smallcap 250",
					"NSE_INDEX|NIFTY SMLCAP 100",
				}
			case strings.Contains(upper, "MIDCAP"):
				return []string{
					"NSE_INDEX|Nifty Midcap 100",
					"NSE_INDEX|NIFTY MIDCAP 100",
					"NSE_INDEX|Nifty Midcap 150",
				}
			}
			return nil
		},
	}
}

func constructedFuture() Generator {
	return Generator{
		Name: "constructed-future",
		Generate: func(req Request) []string {
			exp, err := time.Parse(instruments.DateLayout, req.Expiry)
			if err != nil {
				return nil
			}
			sym := fmt.Sprintf("%s%s%sFUT", FuturesRoot(req.Symbol), exp.Format("06"), strings.ToUpper(exp.Format("Jan")))
			return []string{"NSE_FO|" + sym, "NSE_FO:" + sym}
		},
	}
}

// NamedIndexKey returns the provider's spot key for the tracked indices, or "".
func NamedIndexKey(symbol string) string {
	switch {
	case symbol == "Nifty 50" || symbol == "^NSEI":
		return "NSE_INDEX|Nifty 50"
	case symbol == "Bank Nifty" || symbol == "^NSEBANK":
		return "NSE_INDEX|Nifty Bank"
	case symbol == "Nifty Midcap 100" || strings.Contains(strings.ToUpper(symbol), "MIDCAP"):
		return "NSE_INDEX|Nifty Midcap 100"
	case symbol == "Nifty Smallcap 100" || strings.Contains(strings.ToUpper(symbol), "SMALLCAP"):
		return "NSE_INDEX|Nifty Smallcap 100"
	}
	return ""
}

// FuturesRoot returns the trading-symbol root used in futures contract names.
func FuturesRoot(symbol string) string {
	switch instruments.NormalizeSymbol(symbol) {
	case "^NSEI":
		return "NIFTY"
	case "^NSEBANK":
		return "BANKNIFTY"
	case "NIFTY_MIDCAP_100.NS":
		return "MIDCPNIFTY"
	}
	return strings.ToUpper(instruments.BareTicker(symbol))
}
