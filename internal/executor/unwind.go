package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/crossarb/internal/account"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Unwind makes one attempt to sell inventory a failed trade still holds on
// its buy venue. It first resolves a previous unwind order that is still
// open. t.Stranded reports whether anything remains afterwards. Unwind may
// be called repeatedly on the same trade.
func (e *Executor) Unwind(ctx context.Context, t *domain.Trade) {
	cctx, cancel := e.cleanupCtx(ctx)
	defer cancel()
	defer func() {
		t.StrandedAmount = t.Inventory()
		t.Stranded = t.StrandedAmount.IsPositive()
	}()

	v, err := e.venue(t.BuyVenue)
	if err != nil {
		t.Annotate(e.now(), "unwind impossible: "+err.Error())
		return
	}

	if n := len(t.Unwinds); n > 0 && t.Unwinds[n-1].Placed() && !t.Unwinds[n-1].State.Terminal() {
		last := &t.Unwinds[n-1]
		if err := e.awaitLeg(cctx, t, last, v, nil); err != nil {
			t.Annotate(e.now(), "previous unwind "+last.OrderID+" unresolved")
			return
		}
		// Without a parked hold (after a restart) the venue balance sync
		// corrects the base asset instead.
		prev := e.takeUnwindHold(t.ID)
		prev.Consume(last.Filled)
		prev.Close()
		e.settleUnwind(t, last)
	}

	left := t.Inventory()
	if !left.IsPositive() {
		return
	}

	base, _ := domain.SplitSymbol(t.Symbol)
	hold, err := e.ledger.Reserve(t.BuyVenue, base, left)
	if err != nil {
		t.Fail(err)
		t.Annotate(e.now(), "unwind skipped: "+err.Error())
		return
	}

	req := domain.OrderRequest{
		ClientID: fmt.Sprintf("%s-unwind-%d", t.ID, len(t.Unwinds)+1),
		Symbol:   t.Symbol,
		Side:     domain.OrderSideSell,
		Type:     e.cfg.UnwindOrderType,
		Amount:   left,
	}
	if req.Type == domain.OrderTypeLimit {
		req.Price = t.Buy.FillPrice.Mul(one.Sub(e.cfg.UnwindSlippageBps.Div(bps)))
	}
	t.Unwinds = append(t.Unwinds, domain.Leg{
		Venue:    t.BuyVenue,
		Side:     domain.OrderSideSell,
		Type:     req.Type,
		ClientID: req.ClientID,
		Amount:   req.Amount,
		Price:    req.Price,
	})
	leg := &t.Unwinds[len(t.Unwinds)-1]

	handle, err := e.place(cctx, v, req)
	if err != nil {
		hold.Close()
		leg.State = domain.OrderStateRejected
		t.Fail(err)
		t.Annotate(e.now(), "unwind placement failed: "+err.Error())
		e.log(t).Error("unwind placement failed", slog.String("error", err.Error()))
		return
	}
	placed := e.now()
	leg.OrderID = handle.OrderID()
	leg.PlacedAt = &placed

	if err := e.awaitLeg(cctx, t, leg, v, nil); err != nil {
		// The order may still fill; its base stays reserved until a later
		// attempt learns the outcome.
		e.parkUnwindHold(t.ID, hold)
		t.Annotate(e.now(), "unwind "+leg.OrderID+" state unknown")
		e.log(t).Warn("unwind state unknown", slog.String("order_id", leg.OrderID), slog.String("error", err.Error()))
		return
	}
	hold.Consume(leg.Filled)
	hold.Close()
	e.settleUnwind(t, leg)
	t.Annotate(e.now(), "unwound "+leg.Filled.String()+" @ "+leg.FillPrice.String())
}

// settleUnwind credits the quote proceeds of an unwind leg. Callers invoke
// it once, on the poll that first sees the leg terminal.
func (e *Executor) settleUnwind(t *domain.Trade, leg *domain.Leg) {
	_, quote := domain.SplitSymbol(t.Symbol)
	e.ledger.Credit(t.BuyVenue, quote, leg.Notional().Sub(leg.Fee))
}

func (e *Executor) parkUnwindHold(id string, h *account.Hold) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.unwindHolds[id]; ok {
		old.Close()
	}
	e.unwindHolds[id] = h
}

// takeUnwindHold returns the hold of an unresolved unwind leg, or nil.
func (e *Executor) takeUnwindHold(id string) *account.Hold {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.unwindHolds[id]
	delete(e.unwindHolds, id)
	return h
}
