// Package expiry picks the next contract expiry for a symbol from the
// instrument index, with a calendar rule when the index cannot answer.
package expiry

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/fno_scope/internal/instruments"
)

// ErrIndexStale marks a result computed by the calendar fallback.
var ErrIndexStale = errors.New("instrument index stale, calendar expiry used")

// Category selects the option or futures contract list.
type Category string

const (
	Options Category = "options"
	Futures Category = "futures"
)

// Type is the contract cycle.
type Type string

const (
	Weekly  Type = "weekly"
	Monthly Type = "monthly"
)

// ParseType validates an expiry type string. Empty means weekly.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "":
		return Weekly, nil
	case Weekly, Monthly:
		return Type(s), nil
	}
	return "", fmt.Errorf("invalid expiry type %q (want weekly or monthly)", s)
}

// Result is a resolved expiry. Stale is set when the calendar rule was used.
type Result struct {
	Date   time.Time
	Stale  bool
	Reason string
}

// String formats the date as the provider expects.
func (r Result) String() string {
	return r.Date.Format(instruments.DateLayout)
}

// Err returns an ErrIndexStale-wrapping error for fallback results, nil otherwise.
func (r Result) Err() error {
	if !r.Stale {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIndexStale, r.Reason)
}

// DefaultCutoff is the local time after which a same-day expiry rolls forward.
const DefaultCutoff = 15 * time.Hour

// Resolver answers NextExpiry queries against an index snapshot.
type Resolver struct {
	index  *instruments.Index
	loc    *time.Location
	cutoff time.Duration
	now    func() time.Time
	logger logrus.FieldLogger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithCutoff sets the same-day roll time as an offset from local midnight.
func WithCutoff(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 && d < 24*time.Hour {
			r.cutoff = d
		}
	}
}

// New creates a Resolver. loc is the exchange time zone; nil means UTC.
func New(index *instruments.Index, loc *time.Location, logger logrus.FieldLogger, opts ...Option) *Resolver {
	if index == nil {
		index = instruments.Empty()
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	r := &Resolver{index: index, loc: loc, cutoff: DefaultCutoff, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Location returns the exchange time zone.
func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Now returns the resolver's clock reading in the exchange time zone.
func (r *Resolver) Now() time.Time {
	return r.now().In(r.loc)
}

// NextExpiry returns the earliest upcoming expiry of the requested type.
// A weekly request with no weekly contracts broadens to any type.
func (r *Resolver) NextExpiry(symbol string, cat Category, typ Type) Result {
	now := r.Now()
	today := midnight(now)

	canon, entry, ok := r.index.Resolve(symbol)
	if !ok || entry.IsEmpty() {
		return r.fallback(symbol, now, fmt.Sprintf("%s not in instrument index", canon))
	}

	kind := instruments.OptionCategory(symbol)
	if cat == Futures {
		kind = instruments.FutureCategory(symbol)
	}
	contracts := entry.Contracts(kind)
	if len(contracts) == 0 {
		return r.fallback(symbol, now, fmt.Sprintf("no %s contracts for %s", kind, canon))
	}

	// Contracts are sorted by expiry, so the first upcoming match is the earliest.
	var earliest time.Time
	flags := make(map[string][2]bool)
	var order []string
	for _, c := range contracts {
		f, seen := flags[c.Expiry]
		if !seen {
			order = append(order, c.Expiry)
		}
		f[0] = f[0] || c.Weekly
		f[1] = f[1] || c.Monthly
		flags[c.Expiry] = f
	}

	for _, exp := range order {
		d, err := time.ParseInLocation(instruments.DateLayout, exp, r.loc)
		if err != nil || d.Before(today) {
			continue
		}
		if earliest.IsZero() {
			earliest = d
		}
		f := flags[exp]
		if (typ == Weekly && f[0]) || (typ == Monthly && f[1]) {
			return Result{Date: d}
		}
	}

	if earliest.IsZero() {
		return r.fallback(symbol, now, fmt.Sprintf("no upcoming %s expiries for %s", kind, canon))
	}
	if typ == Weekly {
		r.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"expiry": earliest.Format(instruments.DateLayout),
		}).Info("No weekly expiry, using next available")
		return Result{Date: earliest}
	}
	return r.fallback(symbol, now, fmt.Sprintf("no %s %s expiries for %s", typ, kind, canon))
}

func (r *Resolver) fallback(symbol string, now time.Time, reason string) Result {
	var d time.Time
	if instruments.IsIndex(symbol) {
		d = NextWeekday(now, time.Tuesday, r.cutoff)
	} else {
		d = LastThursday(now, r.cutoff)
	}
	r.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"expiry": d.Format(instruments.DateLayout),
	}).Warnf("Calendar expiry fallback: %s", reason)
	return Result{Date: d, Stale: true, Reason: reason}
}

// NextWeekday returns the next occurrence of wd on or after now's date,
// moving a week ahead when now is that day at or past cutoff.
func NextWeekday(now time.Time, wd time.Weekday, cutoff time.Duration) time.Time {
	today := midnight(now)
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	if days == 0 && pastCutoff(now, cutoff) {
		days = 7
	}
	return today.AddDate(0, 0, days)
}

// LastThursday returns the last Thursday of now's month, or of the next
// month when that date has passed or is today at or past cutoff.
func LastThursday(now time.Time, cutoff time.Duration) time.Time {
	today := midnight(now)
	d := lastThursdayOf(now.Year(), now.Month(), now.Location())
	if d.Before(today) || (d.Equal(today) && pastCutoff(now, cutoff)) {
		d = lastThursdayOf(now.Year(), now.Month()+1, now.Location())
	}
	return d
}

func lastThursdayOf(year int, month time.Month, loc *time.Location) time.Time {
	// Day 0 of the following month normalizes to the last day of this one.
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	back := (int(last.Weekday()) - int(time.Thursday) + 7) % 7
	return last.AddDate(0, 0, -back)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func pastCutoff(now time.Time, cutoff time.Duration) bool {
	return now.Sub(midnight(now)) >= cutoff
}

// DaysUntil returns the whole days from now until the start of the expiry
// date, truncated and floored at 1.
func DaysUntil(now, expiry time.Time) int {
	to := midnight(expiry.In(now.Location()))
	days := int(to.Sub(now).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}
