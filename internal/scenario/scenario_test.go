package scenario_test

import (
	"PerpOracle/internal/scenario"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const firstWindow = `
name: first-window-cap
market:
  seed_price: 100
  market_start_ms: 0
  start_delay_ms: 0
  max_bps_per_step: 500
steps:
  - at_ms: 60000
    price: 200
    expect:
      phase: rollover
      capped_price: 105
      window_twap: 105
      twap: 1050000
      total_cumulative_price: "6300000"
  - at_ms: 30000
    price: 100
    expect:
      error: timestamp_regression
`

func TestRun_FirstWindowScenario(t *testing.T) {
	s, err := scenario.Load(strings.NewReader(firstWindow))
	require.NoError(t, err)

	res, err := scenario.Run(s)
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)

	for i, st := range res.Steps {
		assert.Empty(t, st.Mismatches, "step %d", i)
	}
	assert.True(t, res.Passed())
	assert.Equal(t, uint64(60_000), res.Final.LastTimestamp)
	assert.Equal(t, uint64(105), res.Final.LastWindowTWAP)
}

func TestRun_ReportsMismatch(t *testing.T) {
	s, err := scenario.Load(strings.NewReader(`
market: {seed_price: 100, max_bps_per_step: 500}
steps:
  - at_ms: 60000
    price: 200
    expect: {capped_price: 200}
`))
	require.NoError(t, err)

	res, err := scenario.Run(s)
	require.NoError(t, err)
	assert.False(t, res.Passed())
	require.Len(t, res.Steps[0].Mismatches, 1)
	assert.Contains(t, res.Steps[0].Mismatches[0], "capped_price: got 105")
}

func TestRun_InvalidMarket(t *testing.T) {
	s, err := scenario.Load(strings.NewReader(`
market: {seed_price: 0, max_bps_per_step: 500}
steps: [{at_ms: 1, price: 1}]
`))
	require.NoError(t, err)

	_, err = scenario.Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero_init_price")
}

func TestLoad_RejectsUnknownFieldsAndEmpty(t *testing.T) {
	_, err := scenario.Load(strings.NewReader("market: {seed_price: 1}\nstepz: []\n"))
	assert.Error(t, err)

	_, err = scenario.Load(strings.NewReader("market: {seed_price: 1}\nsteps: []\n"))
	assert.Error(t, err)
}
