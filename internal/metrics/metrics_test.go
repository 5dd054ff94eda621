package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

func TestTradeFinished(t *testing.T) {
	m := New()
	created := time.Now()
	done := created.Add(2 * time.Second)
	m.TradeFinished(domain.Trade{
		Status:      domain.TradeSellFilled,
		RealizedPnL: decimal.RequireFromString("1.5"),
		CreatedAt:   created,
		CompletedAt: &done,
	})
	m.TradeFinished(domain.Trade{Status: domain.TradeFailed, RealizedPnL: decimal.RequireFromString("-0.5")})

	require.Equal(t, 1.0, testutil.ToFloat64(m.trades.WithLabelValues("sell_filled")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.trades.WithLabelValues("failed")))
	require.InDelta(t, 1.0, testutil.ToFloat64(m.pnl), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestVenueErrorLabels(t *testing.T) {
	m := New()
	m.VenueError("place_order", domain.ClassTransient, domain.Transient("kraken", "place_order", "503"))
	m.VenueError("balance", domain.ClassPersistent, http.ErrHandlerTimeout)

	require.Equal(t, 1.0, testutil.ToFloat64(m.venueErrors.WithLabelValues("kraken", "place_order", "transient")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.venueErrors.WithLabelValues("unknown", "balance", "persistent")))
}

func TestGaugesAndCounters(t *testing.T) {
	m := New()
	m.InFlight(3)
	m.Opportunity("admitted")
	m.Opportunity("admitted")
	m.BreakerTransition("global", domain.BreakerOpen)
	m.Drift("a", "USDT")

	require.Equal(t, 3.0, testutil.ToFloat64(m.inflight))
	require.Equal(t, 2.0, testutil.ToFloat64(m.opportunities.WithLabelValues("admitted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.breakers.WithLabelValues("global", "open")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.drift.WithLabelValues("a", "USDT")))
}

func TestHandlerServesPrivateRegistry(t *testing.T) {
	m := New()
	m.InFlight(1)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "crossarb_inflight_trades 1"))
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.InFlight(5)
	require.Equal(t, 0.0, testutil.ToFloat64(b.inflight))
}
