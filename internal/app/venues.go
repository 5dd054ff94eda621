package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/config"
	"github.com/alanyoungcy/crossarb/internal/crypto"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/feed"
	"github.com/alanyoungcy/crossarb/internal/venue/paper"
	"github.com/alanyoungcy/crossarb/internal/venue/rest"
)

// venueSet holds the constructed venue adapters keyed by id.
type venueSet struct {
	all    map[string]domain.Venue
	papers map[string]*paper.Venue
	// mirrors maps a rest venue id to the paper venues copying its books.
	mirrors map[string][]*paper.Venue
}

// buildVenues constructs one adapter per configured venue. Secrets are
// resolved here; a rest venue without a secret is only accepted outside trade
// mode and runs unauthenticated.
func buildVenues(cfg *config.Config, limiter rest.SharedLimiter, logger *slog.Logger) (*venueSet, error) {
	set := &venueSet{
		all:     make(map[string]domain.Venue, len(cfg.Venues)),
		papers:  make(map[string]*paper.Venue),
		mirrors: make(map[string][]*paper.Venue),
	}

	for _, vc := range cfg.Venues {
		switch vc.Kind {
		case "paper":
			balances := make(map[string]decimal.Decimal, len(vc.Balances))
			for asset, amt := range vc.Balances {
				balances[asset] = decimal.NewFromFloat(amt)
			}
			opts := []paper.Option{
				paper.WithFeeRate(decimal.NewFromFloat(vc.FeeRate)),
				paper.WithBalances(balances),
				paper.WithLatency(vc.Latency.Duration),
			}
			if vc.FillRatio > 0 {
				opts = append(opts, paper.WithFillRatio(decimal.NewFromFloat(vc.FillRatio)))
			}
			pv := paper.New(vc.ID, opts...)
			set.all[vc.ID] = pv
			set.papers[vc.ID] = pv
			if vc.Mirror != "" {
				set.mirrors[vc.Mirror] = append(set.mirrors[vc.Mirror], pv)
			}

		case "rest":
			secret, err := crypto.LoadSecret(crypto.SecretConfig{
				Raw:           vc.APISecret,
				EncryptedPath: vc.EncryptedSecretPath,
				Password:      vc.SecretPassword,
			})
			var auth *crypto.HMACAuth
			switch {
			case err == nil:
				auth = crypto.NewHMACAuth(vc.APIKey, secret)
			case vc.APISecret == "" && vc.EncryptedSecretPath == "" && cfg.Mode != "trade":
				logger.Warn("venue has no credentials, running read-only", slog.String("venue", vc.ID))
			default:
				return nil, fmt.Errorf("app: venue %s: %w", vc.ID, err)
			}

			var opts []rest.Option
			if vc.SharedRateLimit > 0 && limiter != nil {
				opts = append(opts, rest.WithSharedLimiter(limiter))
			}
			client, err := rest.New(rest.Config{
				ID:           vc.ID,
				BaseURL:      vc.BaseURL,
				Timeout:      vc.Timeout.Duration,
				RateLimit:    vc.RateLimit,
				Burst:        vc.Burst,
				SharedLimit:  vc.SharedRateLimit,
				SharedWindow: vc.SharedRateWindow.Duration,
			}, auth, logger, opts...)
			if err != nil {
				return nil, fmt.Errorf("app: venue %s: %w", vc.ID, err)
			}
			set.all[vc.ID] = client

		default:
			return nil, fmt.Errorf("app: venue %s: %w", vc.ID, domain.ErrUnknownVenue)
		}
	}
	return set, nil
}

// mirrorListener returns a book store listener that copies each snapshot of a
// mirrored venue into its paper venues and back into the store under the
// paper id. Mirror sources are always rest venues, so the nested Update never
// re-enters a mirror.
func (s *venueSet) mirrorListener(store func() *feed.BookStore) func(context.Context, domain.OrderBookSnapshot) {
	return func(ctx context.Context, snap domain.OrderBookSnapshot) {
		targets := s.mirrors[snap.Venue]
		if len(targets) == 0 {
			return
		}
		for _, pv := range targets {
			pv.SetBook(snap)
			cp := snap
			cp.Venue = pv.ID()
			store().Update(ctx, cp)
		}
	}
}

// feedPlan splits the live venues into polled and streamed sets and lists the
// symbols each must cover. Paper venues are never fetched; a mirror source is
// fetched for every symbol its paper venues trade.
type feedPlan struct {
	poll    map[string][]string
	streams []feed.StreamConfig
	// bySymbol lists every venue holding a book per symbol, for hydration.
	bySymbol map[string][]string
}

func planFeeds(cfg *config.Config, set *venueSet) feedPlan {
	symbols := make(map[string]map[string]bool)
	addSymbol := func(venue, symbol string) {
		if symbols[venue] == nil {
			symbols[venue] = make(map[string]bool)
		}
		symbols[venue][symbol] = true
	}

	mirrorOf := make(map[string]string)
	for _, vc := range cfg.Venues {
		if vc.Mirror != "" {
			mirrorOf[vc.ID] = vc.Mirror
		}
	}

	plan := feedPlan{
		poll:     make(map[string][]string),
		bySymbol: make(map[string][]string),
	}
	for _, p := range cfg.Pairs {
		for _, v := range p.Venues {
			plan.bySymbol[p.Symbol] = append(plan.bySymbol[p.Symbol], v)
			if _, isPaper := set.papers[v]; isPaper {
				if src, ok := mirrorOf[v]; ok {
					addSymbol(src, p.Symbol)
				}
				continue
			}
			addSymbol(v, p.Symbol)
		}
	}

	for _, vc := range cfg.Venues {
		want := symbols[vc.ID]
		if len(want) == 0 {
			continue
		}
		list := make([]string, 0, len(want))
		for s := range want {
			list = append(list, s)
		}
		sort.Strings(list)

		if cfg.Feed.Source == "stream" && vc.WSURL != "" {
			plan.streams = append(plan.streams, feed.StreamConfig{
				Venue:   vc.ID,
				URL:     vc.WSURL,
				Symbols: list,
				Depth:   cfg.Feed.Depth,
			})
			continue
		}
		plan.poll[vc.ID] = list
	}
	return plan
}
