package dispatcher

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/woosul/marketfabric/internal/model"
)

// groupThousands inserts comma separators into the integer part of a
// formatted decimal string, e.g. "107065.16" -> "107,065.16". No
// third-party number-formatting library appears anywhere in this
// codebase's lineage or the rest of the reference pack, so this one
// piece of ambient formatting logic is hand-rolled rather than
// reaching for an out-of-pack dependency.
func groupThousands(formatted string) string {
	neg := strings.HasPrefix(formatted, "-")
	if neg {
		formatted = formatted[1:]
	}
	intPart, fracPart, hasFrac := strings.Cut(formatted, ".")

	var b strings.Builder
	n := len(intPart)
	for i, c := range intPart {
		if i > 0 && (n-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	out := b.String()
	if hasFrac {
		out += "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}

// formatUSD renders a USD price per §6: < 1 uses 4 decimals, otherwise
// thousands-grouped with 2 decimals.
func formatUSD(v decimal.Decimal) string {
	f, _ := v.Float64()
	if f < 1 {
		return "$" + strconv.FormatFloat(f, 'f', 4, 64)
	}
	return "$" + groupThousands(strconv.FormatFloat(f, 'f', 2, 64))
}

// formatKRW renders a KRW price per §6: < 1000 uses 2 decimals,
// otherwise thousands-grouped with 0 decimals, rounded to the nearest won.
func formatKRW(v decimal.Decimal) string {
	f, _ := v.Float64()
	if f < 1000 {
		return "₩" + strconv.FormatFloat(f, 'f', 2, 64)
	}
	return "₩" + groupThousands(strconv.FormatFloat(f, 'f', 0, 64))
}

// applyCoinRowFormatting derives each row's KRW price from the current
// FX value (price_usd * fx_value) and renders the formatted strings,
// matching §6's "applied at dispatch time, not stored" rule.
func applyCoinRowFormatting(rows []model.CoinRow, fx decimal.Decimal) []model.CoinRow {
	out := make([]model.CoinRow, len(rows))
	for i, row := range rows {
		priceKRW := row.PriceUSD.Mul(fx)
		row.PriceUSDFormatted = formatUSD(row.PriceUSD)
		row.PriceKRWFormatted = formatKRW(priceKRW)
		out[i] = row
	}
	return out
}

func readingToScalar(r model.Reading) model.ScalarSnapshot {
	value, _ := r.Value.Float64()
	change, _ := r.ChangeAbs.Float64()
	rate, _ := r.ChangeRatePct.Float64()
	return model.ScalarSnapshot{Value: value, Change: change, ChangeRate: rate}
}
