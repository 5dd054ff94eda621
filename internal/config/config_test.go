package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const sampleTOML = `
mode = "trade"
log_level = "debug"

[engine]
scan_interval = "250ms"
max_concurrent_trades = 2
min_profit_pct = 0.002
max_trade_notional = 250

[risk]
global_consecutive_losses = 7
base_cooldown = "5m"

[[venues]]
id = "alpha"
kind = "paper"
fee_rate = 0.001
balances = { USD = 10000, BTC = 1 }

[[venues]]
id = "beta-ex"
kind = "rest"
base_url = "https://beta.example.com"
fee_rate = 0.0015
api_key = "k"
api_secret = "s"

[[pairs]]
symbol = "BTC/USD"
venues = ["alpha", "beta-ex"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crossarb.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 250*time.Millisecond, cfg.Engine.ScanInterval.Duration)
	require.Equal(t, 2, cfg.Engine.MaxConcurrentTrades)
	require.Equal(t, 7, cfg.Risk.GlobalConsecutiveLosses)
	require.Equal(t, 5*time.Minute, cfg.Risk.BaseCooldown.Duration)
	// untouched keys keep their defaults
	require.Equal(t, 4*time.Hour, cfg.Risk.MaxCooldown.Duration)
	require.Equal(t, "poll", cfg.Feed.Source)

	require.Len(t, cfg.Venues, 2)
	require.Equal(t, 10000.0, cfg.Venues[0].Balances["USD"])
	v, ok := cfg.Venue("beta-ex")
	require.True(t, ok)
	require.Equal(t, "https://beta.example.com", v.BaseURL)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sampleTOML+"\n[engine2]\nfoo = 1\n"))
	require.ErrorContains(t, err, "unknown keys")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CROSSARB_VENUE_BETA_EX_API_SECRET", "from-env")
	t.Setenv("CROSSARB_ENGINE_EXECUTION_ENABLED", "false")
	t.Setenv("CROSSARB_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("CROSSARB_POSTGRES_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	v, _ := cfg.Venue("beta-ex")
	require.Equal(t, "from-env", v.APISecret)
	require.False(t, cfg.Engine.ExecutionEnabled)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	require.Equal(t, 5432, cfg.Postgres.Port, "unparsable values are ignored")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Venues = []VenueConfig{
		{ID: "a", Kind: "paper"},
		{ID: "a", Kind: "carrier-pigeon"},
		{ID: "r", Kind: "rest"},
	}
	cfg.Venues = append(cfg.Venues, VenueConfig{ID: "p", Kind: "paper", Mirror: "a"})
	cfg.Pairs = []PairConfig{{Symbol: "BTCUSD", Venues: []string{"a", "ghost"}}}
	cfg.S3.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "yolo"`,
		`duplicate id "a"`,
		`unknown kind "carrier-pigeon"`,
		"base_url is required",
		"must be BASE/QUOTE",
		`unknown venue "ghost"`,
		"s3: archiving needs postgres.enabled",
		`mirror must name a rest venue, "a" is paper`,
	} {
		require.ErrorContains(t, err, want)
	}
}

func TestValidateRequiresSecretsOnlyToTrade(t *testing.T) {
	cfg := Defaults()
	cfg.Venues = []VenueConfig{
		{ID: "a", Kind: "paper"},
		{ID: "b", Kind: "rest", BaseURL: "http://b"},
	}
	cfg.Pairs = []PairConfig{{Symbol: "ETH/USD", Venues: []string{"a", "b"}}}

	require.ErrorContains(t, cfg.Validate(), "api_secret or encrypted_secret_path")

	cfg.Mode = "monitor"
	require.NoError(t, cfg.Validate())
}

func TestBuildEngineConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	ec := cfg.BuildEngineConfig()
	require.Equal(t, "0.002", ec.Scorer.MinProfitPct.String())
	require.Equal(t, "250", ec.Scorer.MaxTradeNotional.String())
	require.True(t, ec.Risk.MaxTradeNotional.Equal(ec.Scorer.MaxTradeNotional))
	require.Equal(t, "0.0015", ec.Scorer.FeeRates["beta-ex"].String())
	require.Equal(t, "0.001", ec.Executor.FeeRates["alpha"].String())
	require.Equal(t, domain.OrderTypeLimit, ec.Executor.OrderType)
	require.Equal(t, domain.OrderTypeMarket, ec.Executor.UnwindOrderType)
	require.Equal(t, 7, ec.Risk.Global.ConsecutiveLosses)
	require.Len(t, ec.Pairs, 1)
	require.Equal(t, []string{"alpha", "beta-ex"}, ec.Pairs[0].Venues)

	// the engine owns its copy of the pair list
	ec.Pairs[0].Venues[0] = "mutated"
	require.Equal(t, "alpha", cfg.Pairs[0].Venues[0])
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(cfg)
	require.Equal(t, "***", red.Venues[1].APISecret)
	require.Equal(t, "***", red.Postgres.Password)
	require.Equal(t, "***", red.Notify.TelegramToken)
	require.Empty(t, red.Redis.Password, "empty values stay empty")

	require.Equal(t, "s", cfg.Venues[1].APISecret)
	red.Venues[0].Balances["USD"] = 1
	require.Equal(t, 10000.0, cfg.Venues[0].Balances["USD"])
}

func TestEnvName(t *testing.T) {
	require.Equal(t, "BETA_EX", envName("beta-ex"))
	require.Equal(t, "KRAKEN2", envName("kraken2"))
}
