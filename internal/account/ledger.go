// Package account tracks per-venue, per-asset balances. The executor moves
// funds optimistically through holds; the reconciler overwrites them with
// venue-reported values. Both go through the same per-asset lock.
package account

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

type key struct {
	venue string
	asset string
}

type entry struct {
	mu       sync.Mutex
	state    domain.VenueAccountState
	synced   bool
	inflight int
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[key]*entry
	now     func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[key]*entry), now: time.Now}
}

func (l *Ledger) entry(venue, asset string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{venue, asset}
	e, ok := l.entries[k]
	if !ok {
		e = &entry{state: domain.VenueAccountState{Venue: venue, Asset: asset}}
		l.entries[k] = e
	}
	return e
}

// Available returns the spendable balance. ok is false until the first sync.
func (l *Ledger) Available(venue, asset string) (decimal.Decimal, bool) {
	e := l.entry(venue, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Available, e.synced
}

// Get returns a copy of one account state.
func (l *Ledger) Get(venue, asset string) (domain.VenueAccountState, bool) {
	e := l.entry(venue, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.synced
}

// Snapshot returns every tracked account sorted by venue then asset.
func (l *Ledger) Snapshot() []domain.VenueAccountState {
	l.mu.Lock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	out := make([]domain.VenueAccountState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Reserve moves amount from available to in-orders. The check and the
// decrement happen under one lock, so two trades cannot both spend the same
// balance.
func (l *Ledger) Reserve(venue, asset string, amount decimal.Decimal) (*Hold, error) {
	e := l.entry(venue, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Available.LessThan(amount) {
		return nil, &domain.InsufficientLiquidityError{
			Venue:     venue,
			Asset:     asset,
			Required:  amount,
			Available: e.state.Available,
		}
	}
	e.state.Available = e.state.Available.Sub(amount)
	e.state.InOrders = e.state.InOrders.Add(amount)
	e.inflight++
	return &Hold{ledger: l, e: e, remaining: amount}, nil
}

// Credit adds proceeds to the available balance.
func (l *Ledger) Credit(venue, asset string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	e := l.entry(venue, asset)
	e.mu.Lock()
	e.state.Available = e.state.Available.Add(amount)
	e.mu.Unlock()
}

// Seed sets a balance without drift checks. Used at startup.
func (l *Ledger) Seed(venue, asset string, available decimal.Decimal) {
	e := l.entry(venue, asset)
	e.mu.Lock()
	e.state.Available = available
	e.state.LastSynced = l.now()
	e.synced = true
	e.mu.Unlock()
}

// Drift is the result of comparing a venue balance with the local view.
type Drift struct {
	Venue    string
	Asset    string
	Expected decimal.Decimal
	Actual   decimal.Decimal
	// Checked is false when the comparison was skipped because holds were
	// open or the account had never been synced.
	Checked bool
}

// Delta is actual minus expected.
func (d Drift) Delta() decimal.Decimal { return d.Actual.Sub(d.Expected) }

// Relative is |delta| / expected; when nothing was expected any difference
// counts as 100%.
func (d Drift) Relative() decimal.Decimal {
	delta := d.Delta().Abs()
	if !d.Expected.IsPositive() {
		if delta.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1)
	}
	return delta.Div(d.Expected)
}

// Reconcile installs the venue-reported available balance. It skips the
// comparison while any hold on the account is open, since the venue may not
// yet reflect an order being placed.
func (l *Ledger) Reconcile(venue, asset string, actual decimal.Decimal) Drift {
	e := l.entry(venue, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	d := Drift{Venue: venue, Asset: asset, Expected: e.state.Available, Actual: actual}
	if e.inflight > 0 {
		return d
	}
	d.Checked = e.synced
	e.state.Available = actual
	e.state.LastSynced = l.now()
	e.synced = true
	return d
}

// Hold is funds reserved for one order. Methods are no-ops on a nil Hold and
// Close is idempotent.
type Hold struct {
	ledger    *Ledger
	e         *entry
	remaining decimal.Decimal
	closed    bool
}

// Remaining is the amount still reserved.
func (h *Hold) Remaining() decimal.Decimal {
	if h == nil {
		return decimal.Zero
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.remaining
}

// Consume marks amount as spent at the venue. Spending more than the hold
// drains it to zero.
func (h *Hold) Consume(amount decimal.Decimal) {
	if h == nil {
		return
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.closed || !amount.IsPositive() {
		return
	}
	if amount.GreaterThan(h.remaining) {
		over := amount.Sub(h.remaining)
		h.e.state.Available = h.e.state.Available.Sub(over)
		amount = h.remaining
	}
	h.remaining = h.remaining.Sub(amount)
	h.e.state.InOrders = h.e.state.InOrders.Sub(amount)
}

// Shrink returns part of the hold to available without closing it.
func (h *Hold) Shrink(to decimal.Decimal) {
	if h == nil {
		return
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.closed || !to.LessThan(h.remaining) {
		return
	}
	if to.IsNegative() {
		to = decimal.Zero
	}
	back := h.remaining.Sub(to)
	h.remaining = to
	h.e.state.InOrders = h.e.state.InOrders.Sub(back)
	h.e.state.Available = h.e.state.Available.Add(back)
}

// Close releases whatever is left back to available.
func (h *Hold) Close() {
	if h == nil {
		return
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.e.state.InOrders = h.e.state.InOrders.Sub(h.remaining)
	h.e.state.Available = h.e.state.Available.Add(h.remaining)
	h.remaining = decimal.Zero
	h.e.inflight--
}
