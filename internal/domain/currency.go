package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyUZS Currency = "UZS"

	BaseCurrency = CurrencyUSD
)

var SupportedCurrencies = []Currency{CurrencyUSD, CurrencyEUR, CurrencyUZS}

func (c Currency) Supported() bool {
	for _, s := range SupportedCurrencies {
		if c == s {
			return true
		}
	}
	return false
}

// Precision is the number of decimal places a currency is persisted with.
func (c Currency) Precision() int32 {
	if c == CurrencyUZS {
		return 0
	}
	return 2
}

func (c Currency) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(c.Precision())
}

// ExchangeRates maps a currency to the number of its units per one unit of
// BaseCurrency.
type ExchangeRates map[Currency]decimal.Decimal

func (r ExchangeRates) rate(c Currency) (decimal.Decimal, error) {
	if c == BaseCurrency {
		if rate, ok := r[c]; ok && rate.IsPositive() {
			return rate, nil
		}
		return decimal.NewFromInt(1), nil
	}
	rate, ok := r[c]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("missing exchange rate for %s", c)
	}
	return rate, nil
}

func (r ExchangeRates) Convert(amount decimal.Decimal, from Currency, to Currency) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}
	fromRate, err := r.rate(from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := r.rate(to)
	if err != nil {
		return decimal.Zero, err
	}
	base := amount.DivRound(fromRate, 16)
	return base.Mul(toRate), nil
}

// ConvertAll expresses amount in every supported currency without rounding.
func (r ExchangeRates) ConvertAll(amount decimal.Decimal, from Currency) (map[Currency]decimal.Decimal, error) {
	out := make(map[Currency]decimal.Decimal, len(SupportedCurrencies))
	for _, target := range SupportedCurrencies {
		converted, err := r.Convert(amount, from, target)
		if err != nil {
			return nil, err
		}
		out[target] = converted
	}
	return out, nil
}

func RoundTotals(totals map[Currency]decimal.Decimal) map[Currency]decimal.Decimal {
	out := make(map[Currency]decimal.Decimal, len(totals))
	for c, amount := range totals {
		out[c] = c.Round(amount)
	}
	return out
}
