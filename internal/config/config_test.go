package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateEngine/internal/config"
	"RateEngine/internal/math"
	"RateEngine/internal/rates"
)

const sample = `
[service]
grpc_addr = ":7000"
persist_flush_timeout = "25ms"
yield_max_age = "30m"

[[collateral]]
name = "a"
minimum_kink_rate = "2000000000000000000"
minimum_base_rate = "1000000000000000000"
adjusted_reserve_factor = 1000
optimal_utilization_rate = 9000
distribution_factor = 6000
initial_apy = 5000000

[[collateral]]
name = "b"
optimal_utilization_rate = 8000
distribution_factor = 4000
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rateengine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := config.Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Service.GRPCAddr)
	assert.Equal(t, ":8080", cfg.Service.HTTPAddr, "default kept")
	assert.Equal(t, 25*time.Millisecond, cfg.Service.PersistFlushTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Service.YieldMaxAge)
	require.Len(t, cfg.Collaterals, 2)

	list, err := cfg.RateConfigs()
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000", math.Dec(list[0].MinimumKinkRate))
	assert.Equal(t, "1000", math.Dec(list[0].AdjustedReserveFactor))
	assert.True(t, math.IsZero(list[1].AdjustedBaseRate))

	yields := cfg.InitialYields()
	assert.Equal(t, "5000000", math.Dec(yields[0]))
	assert.True(t, math.IsZero(yields[1]))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default().Service.NATSURL, cfg.Service.NATSURL)
	assert.Empty(t, cfg.Collaterals)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := config.Load(writeFile(t, "[service]\ngrpc_adr = \":1\"\n"))
	require.ErrorContains(t, err, "unknown keys")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RATE_GRPC_ADDR", ":6000")
	t.Setenv("RATE_PERSIST_BATCH_SIZE", "7")
	t.Setenv("RATE_YIELD_MAX_AGE", "5s")

	cfg, err := config.Load(writeFile(t, sample))
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Service.GRPCAddr)
	assert.Equal(t, 7, cfg.Service.PersistBatchSize)
	assert.Equal(t, 5*time.Second, cfg.Service.YieldMaxAge)

	t.Setenv("RATE_YIELD_MAX_AGE", "soon")
	_, err = config.Load(writeFile(t, sample))
	require.Error(t, err)
}

func TestRateConfigsValidates(t *testing.T) {
	cfg, err := config.Load(writeFile(t, sample))
	require.NoError(t, err)

	cfg.Collaterals[1].DistributionFactor = 3999
	_, err = cfg.RateConfigs()
	var sumErr *rates.DistributionFactorsDoNotSumToOneError
	require.ErrorAs(t, err, &sumErr)
	assert.Equal(t, uint64(9999), sumErr.Sum)

	cfg.Collaterals[1].DistributionFactor = 4000
	cfg.Collaterals[0].MinimumKinkRate = "12x"
	_, err = cfg.RateConfigs()
	require.ErrorContains(t, err, "minimum_kink_rate")
}
