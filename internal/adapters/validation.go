package adapters

import "github.com/woosul/marketfabric/internal/model"

// ValidateScalar enforces the scalar validation rule from §4.2: value
// > 0 for known-nonzero series, otherwise reject.
func ValidateScalar(r model.Reading) bool {
	return r.IsPositive()
}

// ValidateCoinRows enforces the list validation rule: non-empty, and
// every row has a positive price_usd.
func ValidateCoinRows(rows []model.CoinRow) bool {
	if len(rows) == 0 {
		return false
	}
	for _, row := range rows {
		if !row.PriceUSD.IsPositive() {
			return false
		}
	}
	return true
}

// ValidateGlobalSnapshot enforces the dict validation rule: at least
// one scalar in the snapshot is positive.
func ValidateGlobalSnapshot(s GlobalSnapshot) bool {
	return s.Valid()
}
