package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/retry"
)

var errStillOpen = errors.New("order still open after cancel")

func (e *Executor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// cleanupCtx detaches from ctx so cancels and unwinds still run during
// shutdown, bounded by CleanupTimeout.
func (e *Executor) cleanupCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if e.cfg.CleanupTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, e.cfg.CleanupTimeout)
}

// place submits req under the retry governor. When a call times out the
// venue is asked whether the order landed before the placement is retried;
// the client id keeps a retried placement from creating a second order.
func (e *Executor) place(ctx context.Context, v domain.Venue, req domain.OrderRequest) (domain.OrderHandle, error) {
	op := "place_" + string(req.Side)
	return retry.Do(ctx, e.gov, op, func(ctx context.Context) (domain.OrderHandle, error) {
		callCtx, cancel := e.callCtx(ctx)
		h, err := v.PlaceOrder(callCtx, req)
		cancel()
		if err == nil || !domain.IsTimeout(err) {
			return h, err
		}

		st, ferr := e.find(ctx, v, req)
		if ferr != nil {
			if !errors.Is(ferr, domain.ErrNotFound) {
				e.logger.Warn("order lookup after timeout failed",
					slog.String("venue", v.ID()),
					slog.String("client_id", req.ClientID),
					slog.String("error", ferr.Error()),
				)
			}
			return h, err
		}
		price := req.Price
		if !price.IsPositive() {
			price = st.AvgFillPrice
		}
		e.logger.Info("timed-out order found at venue",
			slog.String("venue", v.ID()),
			slog.String("client_id", req.ClientID),
			slog.String("order_id", st.OrderID),
		)
		return domain.NewOrderHandle(v.ID(), st.OrderID, req.ClientID, price, st.Amount)
	})
}

func (e *Executor) find(ctx context.Context, v domain.Venue, req domain.OrderRequest) (domain.OrderStatus, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	return v.FindOrder(callCtx, req.Symbol, req.ClientID)
}

func (e *Executor) status(ctx context.Context, v domain.Venue, symbol, orderID string) (domain.OrderStatus, error) {
	return retry.Do(ctx, e.gov, "order_status", func(ctx context.Context) (domain.OrderStatus, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return v.GetOrderStatus(callCtx, symbol, orderID)
	})
}

func (e *Executor) cancel(ctx context.Context, v domain.Venue, symbol, orderID string) error {
	return e.gov.Do(ctx, "cancel_order", func(ctx context.Context) error {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return v.CancelOrder(callCtx, symbol, orderID)
	})
}

// awaitLeg polls the leg's order until it is terminal or FillTimeout passes,
// then cancels the remainder and reads the final state. progress is called
// after every successful poll. A non-nil error means the leg's state could
// not be determined.
func (e *Executor) awaitLeg(ctx context.Context, t *domain.Trade, leg *domain.Leg, v domain.Venue, progress func(domain.OrderStatus) error) error {
	fee := e.feeRate(leg.Venue)
	deadline := time.Now().Add(e.cfg.FillTimeout)
	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		st, err := e.status(ctx, v, t.Symbol, leg.OrderID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		leg.Apply(st, fee)
		if progress != nil {
			if err := progress(st); err != nil {
				return err
			}
		}
		if st.State.Terminal() {
			return nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	cctx, cancel := e.cleanupCtx(ctx)
	defer cancel()
	if err := e.cancel(cctx, v, t.Symbol, leg.OrderID); err != nil {
		e.log(t).Warn("cancel of unfilled remainder failed",
			slog.String("order_id", leg.OrderID),
			slog.String("error", err.Error()),
		)
	}
	st, err := e.status(cctx, v, t.Symbol, leg.OrderID)
	if err != nil {
		return err
	}
	leg.Apply(st, fee)
	if progress != nil {
		if err := progress(st); err != nil {
			return err
		}
	}
	if !st.State.Terminal() {
		return fmt.Errorf("%s on %s: %w", leg.OrderID, leg.Venue, errStillOpen)
	}
	return nil
}
