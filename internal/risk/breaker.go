package risk

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

type loss struct {
	at     time.Time
	amount decimal.Decimal
}

// breaker is the state of one scope. Methods expect mu to be held.
type breaker struct {
	mu     sync.Mutex
	state  domain.BreakerState
	losses []loss
}

func newBreaker(scope string, now time.Time) *breaker {
	return &breaker{state: domain.BreakerState{
		Scope:          scope,
		Status:         domain.BreakerClosed,
		SizeMultiplier: one,
		UpdatedAt:      now,
	}}
}

// Transition is a breaker status change, emitted after locks are released.
type Transition struct {
	From domain.BreakerState
	To   domain.BreakerState
}

func (b *breaker) snapshot() domain.BreakerState {
	s := b.state
	if s.CooldownUntil != nil {
		ts := *s.CooldownUntil
		s.CooldownUntil = &ts
	}
	return s
}

// refresh performs the time-driven OPEN -> HALF_OPEN edge.
func (b *breaker) refresh(cfg *Config, now time.Time) *Transition {
	if b.state.Status != domain.BreakerOpen || b.state.CooldownUntil == nil || now.Before(*b.state.CooldownUntil) {
		return nil
	}
	from := b.snapshot()
	b.state.Status = domain.BreakerHalfOpen
	b.state.SizeMultiplier = halfOpenMultiplier(cfg)
	b.state.ConsecutiveLosses = 0
	b.state.HalfOpenWins = 0
	b.state.CooldownUntil = nil
	b.state.Reason = "cooldown expired"
	b.state.UpdatedAt = now
	return &Transition{From: from, To: b.snapshot()}
}

func (b *breaker) prune(cfg *Config, now time.Time) {
	if cfg.LossWindow <= 0 {
		return
	}
	cut := 0
	for cut < len(b.losses) && now.Sub(b.losses[cut].at) > cfg.LossWindow {
		cut++
	}
	if cut == 0 {
		return
	}
	b.losses = b.losses[cut:]
	total := decimal.Zero
	for _, l := range b.losses {
		total = total.Add(l.amount)
	}
	b.state.WindowLoss = total
}

// record applies one realized outcome.
//
// Rules:
//  1. A loss increments the consecutive counter and the window total.
//  2. Any loss while HALF_OPEN re-opens with an extended cooldown.
//  3. While CLOSED, reaching the consecutive threshold or exceeding the
//     window limit opens the breaker.
//  4. A profit resets the consecutive counter; enough profits while
//     HALF_OPEN close the breaker.
func (b *breaker) record(cfg *Config, pnl decimal.Decimal, now time.Time) *Transition {
	b.prune(cfg, now)
	lim := cfg.limits(b.state.Scope)
	b.state.UpdatedAt = now

	switch {
	case pnl.IsNegative():
		amount := pnl.Neg()
		b.losses = append(b.losses, loss{at: now, amount: amount})
		b.state.WindowLoss = b.state.WindowLoss.Add(amount)
		b.state.ConsecutiveLosses++

		switch b.state.Status {
		case domain.BreakerHalfOpen:
			return b.trip(cfg, "loss while half-open", 0, now)
		case domain.BreakerClosed:
			if lim.ConsecutiveLosses > 0 && b.state.ConsecutiveLosses >= lim.ConsecutiveLosses {
				return b.trip(cfg, "consecutive loss limit", 0, now)
			}
			if lim.WindowLoss.IsPositive() && b.state.WindowLoss.GreaterThan(lim.WindowLoss) {
				overshoot := b.state.WindowLoss.Div(lim.WindowLoss).InexactFloat64()
				return b.trip(cfg, "window loss limit", overshoot, now)
			}
		}

	case pnl.IsPositive():
		b.state.ConsecutiveLosses = 0
		if b.state.Status == domain.BreakerHalfOpen {
			b.state.HalfOpenWins++
			if b.state.HalfOpenWins >= max(cfg.HalfOpenSuccesses, 1) {
				from := b.snapshot()
				b.state.Status = domain.BreakerClosed
				b.state.SizeMultiplier = one
				b.state.HalfOpenWins = 0
				b.state.Trips = 0
				b.state.Reason = "recovered"
				return &Transition{From: from, To: b.snapshot()}
			}
		}
	}
	return nil
}

// trip opens the breaker. overshoot > 1 lengthens the cooldown.
func (b *breaker) trip(cfg *Config, reason string, overshoot float64, now time.Time) *Transition {
	from := b.snapshot()
	b.state.Trips++
	until := now.Add(cooldown(cfg, b.state.Trips, overshoot))
	b.state.Status = domain.BreakerOpen
	b.state.CooldownUntil = &until
	b.state.SizeMultiplier = decimal.Zero
	b.state.HalfOpenWins = 0
	b.state.Reason = reason
	b.state.UpdatedAt = now
	return &Transition{From: from, To: b.snapshot()}
}

func (b *breaker) reset(reason string, now time.Time) *Transition {
	from := b.snapshot()
	b.state = domain.BreakerState{
		Scope:          b.state.Scope,
		Status:         domain.BreakerClosed,
		SizeMultiplier: one,
		Reason:         reason,
		UpdatedAt:      now,
	}
	b.losses = nil
	return &Transition{From: from, To: b.snapshot()}
}

func cooldown(cfg *Config, trips int, overshoot float64) time.Duration {
	mult := cfg.CooldownMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(cfg.BaseCooldown) * math.Pow(mult, float64(max(trips-1, 0)))
	if overshoot > 1 {
		scale := overshoot
		if cfg.MaxOvershootScale > 0 {
			scale = math.Min(scale, cfg.MaxOvershootScale)
		}
		d *= scale
	}
	if cfg.MaxCooldown > 0 && d > float64(cfg.MaxCooldown) {
		d = float64(cfg.MaxCooldown)
	}
	return time.Duration(d)
}

func halfOpenMultiplier(cfg *Config) decimal.Decimal {
	m := cfg.HalfOpenMultiplier
	if !m.IsPositive() || m.GreaterThan(one) {
		return one
	}
	return m
}
