package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/catalog/catalogtest"
)

func entry(unit string, micros int64) catalog.PriceBookEntry {
	return catalog.PriceBookEntry{Unit: unit, PriceMicros: micros, Currency: "USD"}
}

func TestCompute(t *testing.T) {
	cases := []struct {
		name    string
		entries []catalog.PriceBookEntry
		usage   Usage
		want    Cost
	}{
		{
			name:    "input and output",
			entries: []catalog.PriceBookEntry{entry(catalog.UnitTokenInput, 500), entry(catalog.UnitTokenOutput, 1500)},
			usage:   Usage{InputTokens: 1000, OutputTokens: 500},
			want:    Cost{Micros: 1250, Currency: "USD"},
		},
		{
			name:  "no rows",
			usage: Usage{InputTokens: 1000, OutputTokens: 500},
			want:  Cost{Micros: 0, Currency: "USD"},
		},
		{
			name:    "flat request fee",
			entries: []catalog.PriceBookEntry{entry(catalog.UnitRequest, 40), entry(catalog.UnitTokenInput, 100)},
			usage:   Usage{InputTokens: 10},
			want:    Cost{Micros: 41, Currency: "USD"},
		},
		{
			// 3 * 500 / 1000 = 1.5 rounds up, 1 * 1499 / 1000 = 1.499 rounds down
			name:    "half up per contribution",
			entries: []catalog.PriceBookEntry{entry(catalog.UnitTokenInput, 500), entry(catalog.UnitTokenOutput, 1499)},
			usage:   Usage{InputTokens: 3, OutputTokens: 1},
			want:    Cost{Micros: 3, Currency: "USD"},
		},
		{
			name:    "other units ignored",
			entries: []catalog.PriceBookEntry{entry(catalog.UnitImage, 9000), entry(catalog.UnitTokenOutput, 2000)},
			usage:   Usage{OutputTokens: 100},
			want:    Cost{Micros: 200, Currency: "USD"},
		},
		{
			name: "first currency wins",
			entries: []catalog.PriceBookEntry{
				{Unit: catalog.UnitTokenInput, PriceMicros: 1000, Currency: "EUR"},
				{Unit: catalog.UnitTokenOutput, PriceMicros: 1000, Currency: "USD"},
			},
			usage: Usage{InputTokens: 1000, OutputTokens: 1000},
			want:  Cost{Micros: 1000, Currency: "EUR"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compute(tc.entries, tc.usage))
		})
	}
}

const priceSeed = `
prices:
  - {id: price-in-old, provider_model_id: pm-openai-gpt4, unit: token-input, price_micros: 900, effective_to: 2025-01-01T00:00:00Z}
  - {id: price-in, provider_model_id: pm-openai-gpt4, unit: token-input, price_micros: 500, effective_from: 2025-01-01T00:00:01Z}
  - {id: price-out, provider_model_id: pm-openai-gpt4, unit: token-output, price_micros: 1500}
`

func TestAccountant_ComputeCost(t *testing.T) {
	db, store := catalogtest.New(t)
	catalogtest.Seed(t, db, catalogtest.Models+priceSeed, nil)
	a := NewAccountant(store, nil)
	ctx := context.Background()
	u := Usage{InputTokens: 1000, OutputTokens: 500}

	got, err := a.ComputeCost(ctx, "pm-openai-gpt4", u, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, Cost{Micros: 1250, Currency: "USD"}, got)

	got, err = a.ComputeCost(ctx, "pm-openai-gpt4", u, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, Cost{Micros: 900 + 750, Currency: "USD"}, got)

	got, err = a.ComputeCost(ctx, "pm-claude", u, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Cost{Micros: 0, Currency: "USD"}, got)
}

type failingSource struct{}

func (failingSource) PriceEntries(context.Context, string, time.Time) ([]catalog.PriceBookEntry, error) {
	return nil, errors.New("db down")
}

func TestAccountant_SourceError(t *testing.T) {
	_, err := NewAccountant(failingSource{}, nil).ComputeCost(context.Background(), "pm", Usage{}, time.Time{})
	assert.ErrorContains(t, err, "db down")
}
