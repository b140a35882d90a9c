// Package pricing computes what a provider call cost from the price book.
//
// Token prices are quoted in micros per 1000 tokens and request prices are
// flat. Each contribution is rounded half-up to a whole micro before it is
// summed.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-router/internal/catalog"
)

// DefaultCurrency is reported when no price row applies.
const DefaultCurrency = "USD"

var perThousand = decimal.NewFromInt(1000)

// PriceSource returns the price rows of a provider model in effect at a
// point in time. catalog.GormStore satisfies it.
type PriceSource interface {
	PriceEntries(ctx context.Context, providerModelID string, at time.Time) ([]catalog.PriceBookEntry, error)
}

// Usage is what one call consumed.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Cost is an amount in millionths of Currency.
type Cost struct {
	Micros   int64  `json:"cost_micros"`
	Currency string `json:"currency"`
}

// Accountant prices calls against a PriceSource.
type Accountant struct {
	prices PriceSource
	now    func() time.Time
	logger *slog.Logger
}

func NewAccountant(prices PriceSource, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{prices: prices, now: time.Now, logger: logger}
}

// ComputeCost prices u for a provider model at time at; a zero at means
// now. A provider model without price rows costs {0, "USD"}.
func (a *Accountant) ComputeCost(ctx context.Context, providerModelID string, u Usage, at time.Time) (Cost, error) {
	if at.IsZero() {
		at = a.now()
	}
	entries, err := a.prices.PriceEntries(ctx, providerModelID, at.UTC())
	if err != nil {
		return Cost{}, fmt.Errorf("pricing: load prices of %s: %w", providerModelID, err)
	}
	c, skipped := compute(entries, u)
	if skipped > 0 {
		a.logger.WarnContext(ctx, "price_rows_skipped",
			slog.String("provider_model_id", providerModelID),
			slog.String("currency", c.Currency),
			slog.Int("rows", skipped),
		)
	}
	return c, nil
}

// Compute sums the contributions of entries to the cost of u. The currency
// is taken from the first row; rows quoted in another currency are ignored,
// as are units other than token-input, token-output and request.
func Compute(entries []catalog.PriceBookEntry, u Usage) Cost {
	c, _ := compute(entries, u)
	return c
}

func compute(entries []catalog.PriceBookEntry, u Usage) (Cost, int) {
	if len(entries) == 0 {
		return Cost{Currency: DefaultCurrency}, 0
	}
	currency := entries[0].Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	total := decimal.Zero
	skipped := 0
	for _, e := range entries {
		if e.Currency != "" && e.Currency != currency {
			skipped++
			continue
		}
		price := decimal.NewFromInt(e.PriceMicros)
		switch e.Unit {
		case catalog.UnitTokenInput:
			total = total.Add(perTokens(price, u.InputTokens))
		case catalog.UnitTokenOutput:
			total = total.Add(perTokens(price, u.OutputTokens))
		case catalog.UnitRequest:
			total = total.Add(price)
		}
	}
	return Cost{Micros: total.IntPart(), Currency: currency}, skipped
}

func perTokens(price decimal.Decimal, tokens int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(tokens)).Div(perThousand).Round(0)
}
