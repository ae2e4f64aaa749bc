package exchange

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/vitos/copytrade/internal/domain"
)

// floorToIncrement truncates size down to a multiple of inc using exact decimal math.
func floorToIncrement(size, inc float64) decimal.Decimal {
	d := decimal.NewFromFloat(size)
	if inc <= 0 {
		return d
	}
	step := decimal.NewFromFloat(inc)
	return d.Div(step).Floor().Mul(step)
}

// incrementFromDecimals turns Kraken-style "lot_decimals" into an increment.
func incrementFromDecimals(decimals int) float64 {
	if decimals < 0 {
		return 0
	}
	return math.Pow10(-decimals)
}

// prepareSize rounds req.Size to the instrument increment and rejects dust.
// price is optional; when known it enforces the quote minimum on base-sized orders
// and the secondary fixed-dollar filter.
func prepareSize(req domain.OrderRequest, inst instrument, price, dustUSD float64) (float64, error) {
	var (
		rounded decimal.Decimal
		minimum float64
	)
	if req.SizeType == domain.SizeQuote {
		rounded = floorToIncrement(req.Size, inst.QuoteIncrement)
		minimum = inst.MinQuote
	} else {
		rounded = floorToIncrement(req.Size, inst.BaseIncrement)
		minimum = inst.MinBase
	}
	size, _ := rounded.Float64()
	if !rounded.IsPositive() || (minimum > 0 && size < minimum) {
		return 0, &domain.DustError{Symbol: req.Symbol, Size: size, Minimum: minimum}
	}

	notional := size
	if req.SizeType == domain.SizeBase {
		if price <= 0 {
			return size, nil
		}
		notional = size * price
		if inst.MinQuote > 0 && notional < inst.MinQuote {
			return 0, &domain.DustError{Symbol: req.Symbol, Size: size, Minimum: inst.MinQuote / price}
		}
	}
	if dustUSD > 0 && notional < dustUSD {
		return 0, &domain.DustError{Symbol: req.Symbol, Size: size, Minimum: dustUSD}
	}
	return size, nil
}

func formatSize(size, inc float64) string {
	d := decimal.NewFromFloat(size)
	if inc > 0 {
		places := -decimal.NewFromFloat(inc).Exponent()
		if places < 0 {
			places = 0
		}
		return d.StringFixed(places)
	}
	return d.String()
}
