package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/factory"
)

func TestParsePricing_JSON(t *testing.T) {
	f := factory.NewPricingFactory(billing.CurrencyGBP)

	ps, err := f.ParsePricing([]byte(`{
		"inspection_type": "routine",
		"bedroom_pricing": {"0": 85, "1": "105.50", "5": 215}
	}`))
	require.NoError(t, err)

	assert.Equal(t, billing.InspectionRoutine, ps.InspectionType)
	assert.Equal(t, []int{0, 1, 5}, ps.Buckets())
	assert.Equal(t, "105.50 GBP", ps.BedroomPricing[1].String())
}

func TestParsePricing_Rejections(t *testing.T) {
	f := factory.NewPricingFactory("")

	_, err := f.ParsePricing([]byte(`not json`))
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = f.ParsePricing([]byte(`{"inspection_type": "loft", "bedroom_pricing": {"0": 1}}`))
	assert.ErrorIs(t, err, billing.ErrConfiguration)

	_, err = f.ParsePricing([]byte(`{"inspection_type": "routine", "bedroom_pricing": {}}`))
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = f.ParsePricing([]byte(`{"inspection_type": "routine", "bedroom_pricing": {"0": -10}}`))
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = f.ParsePricing([]byte(`{"inspection_type": "routine", "bedroom_pricing": {"9": 10}}`))
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestParsePricing_ForeignCurrencyRejected(t *testing.T) {
	// GIVEN: a GBP deployment
	f := factory.NewPricingFactory(billing.CurrencyGBP)

	// WHEN: a table names another currency
	_, err := f.ParsePricing([]byte(`{
		"inspection_type": "routine",
		"currency": "EUR",
		"bedroom_pricing": {"0": 85}
	}`))

	// THEN: it is rejected before any total could mix the two
	assert.ErrorIs(t, err, billing.ErrValidation)

	// AND: naming the deployment currency in any case is accepted
	ps, err := f.ParsePricing([]byte(`{"inspection_type": "routine", "currency": "gbp", "bedroom_pricing": {"0": 85}}`))
	require.NoError(t, err)
	assert.Equal(t, billing.CurrencyGBP, ps.BedroomPricing[0].Currency)
}

func TestParseSeed_ForeignDocumentCurrencyRejected(t *testing.T) {
	f := factory.NewPricingFactory(billing.CurrencyGBP)

	_, err := f.ParseSeed([]byte(`
currency: USD
pricing:
  - inspection_type: routine
    bedroom_pricing:
      0: 85
`))

	assert.ErrorIs(t, err, billing.ErrValidation)
}

const seedYAML = `
currency: GBP
pricing:
  - inspection_type: fire_safety
    bedroom_pricing:
      0: 95
      1: "115.25"
  - inspection_type: check_in
    bedroom_pricing:
      5: 250
`

func TestParseSeed_YAML(t *testing.T) {
	f := factory.NewPricingFactory(billing.CurrencyGBP)

	seed, err := f.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	require.Len(t, seed, 2)
	assert.Equal(t, billing.InspectionCheckIn, seed[0].InspectionType)
	assert.Equal(t, billing.InspectionFireSafety, seed[1].InspectionType)
	assert.Equal(t, "115.25 GBP", seed[1].BedroomPricing[1].String())
}

func TestParseSeed_DuplicateType(t *testing.T) {
	f := factory.NewPricingFactory(billing.CurrencyGBP)
	_, err := f.ParseSeed([]byte(`
pricing:
  - inspection_type: routine
    bedroom_pricing: {0: 1}
  - inspection_type: routine
    bedroom_pricing: {0: 2}
`))
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestParseSeed_BadAmount(t *testing.T) {
	f := factory.NewPricingFactory(billing.CurrencyGBP)
	_, err := f.ParseSeed([]byte(`
pricing:
  - inspection_type: routine
    bedroom_pricing: {0: cheap}
`))
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestParseSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := factory.NewPricingFactory(billing.CurrencyGBP).ParseSeedFile(path)
	require.NoError(t, err)
	assert.Len(t, seed, 2)

	_, err = factory.NewPricingFactory(billing.CurrencyGBP).ParseSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestToJSON_RoundTripsThroughFactory(t *testing.T) {
	f := factory.NewPricingFactory(billing.CurrencyGBP)
	defaults := billing.DefaultPricing(billing.CurrencyGBP)[billing.InspectionCheckOut]

	ps, err := f.Build(factory.ToJSON(defaults), "")
	require.NoError(t, err)

	for bedrooms, price := range defaults.BedroomPricing {
		assert.True(t, price.Equal(ps.BedroomPricing[bedrooms]))
	}
}
